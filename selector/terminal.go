package selector

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorPrimary   = lipgloss.Color("5")
	colorSecondary = lipgloss.Color("4")
	colorFaint     = lipgloss.Color("8")
	colorText      = lipgloss.Color("7")

	appStyle              = lipgloss.NewStyle().Margin(1, 1)
	listTitleStyle        = lipgloss.NewStyle().Foreground(colorSecondary).Padding(0, 1).Bold(true)
	listItemStyle         = lipgloss.NewStyle().PaddingLeft(2).Foreground(colorText)
	listSelectedItemStyle = lipgloss.NewStyle().PaddingLeft(0).Foreground(colorPrimary).Bold(true)
	listNoItemsStyle      = lipgloss.NewStyle().Faint(true).Margin(1, 0).Foreground(colorFaint)
)

type lineItem string

func (i lineItem) FilterValue() string { return string(i) }

type itemDelegate struct{}

func (d itemDelegate) Height() int                             { return 1 }
func (d itemDelegate) Spacing() int                            { return 0 }
func (d itemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	item, ok := listItem.(lineItem)
	if !ok {
		return
	}
	if index == m.Index() {
		fmt.Fprint(w, listSelectedItemStyle.Render("▸ "+string(item)))
		return
	}
	fmt.Fprint(w, listItemStyle.Render(string(item)))
}

type keyMap struct {
	Choose key.Binding
	Cancel key.Binding
}

var defaultKeyBindings = keyMap{
	Choose: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "choose")),
	Cancel: key.NewBinding(key.WithKeys("esc", "q", "ctrl+c"), key.WithHelp("esc/q", "cancel")),
}

// model is the bubbletea model behind Terminal. choice stays empty on cancel.
type model struct {
	list   list.Model
	keys   keyMap
	choice string
	done   bool
}

func newModel(prompt string, lines []string) model {
	items := make([]list.Item, len(lines))
	for i, line := range lines {
		items[i] = lineItem(line)
	}
	l := list.New(items, itemDelegate{}, 0, 0)
	l.Title = prompt
	if l.Title == "" {
		l.Title = "Select"
	}
	l.Styles.Title = listTitleStyle
	l.Styles.NoItems = listNoItemsStyle.SetString("Nothing to choose from.")
	l.SetShowStatusBar(false)
	l.SetShowHelp(true)
	l.DisableQuitKeybindings()
	l.AdditionalShortHelpKeys = func() []key.Binding {
		return []key.Binding{defaultKeyBindings.Choose, defaultKeyBindings.Cancel}
	}
	return model{list: l, keys: defaultKeyBindings}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h, v := appStyle.GetFrameSize()
		m.list.SetSize(msg.Width-h, msg.Height-v)
		return m, nil
	case tea.KeyMsg:
		// While the filter prompt is open, enter and esc belong to the list.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, m.keys.Choose):
			if item, ok := m.list.SelectedItem().(lineItem); ok {
				m.choice = string(item)
			}
			m.done = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Cancel):
			if msg.String() == "esc" && m.list.FilterState() == list.FilterApplied {
				break
			}
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.done {
		return ""
	}
	return appStyle.Render(m.list.View())
}

// Terminal shows the lines as a filterable list on the controlling terminal.
// It draws on standard error so standard output stays free for scripting.
type Terminal struct {
	In  *os.File
	Out *os.File
}

// Select runs the list until the user chooses or cancels.
func (t *Terminal) Select(ctx context.Context, prompt string, lines []string) (string, error) {
	in, out := t.In, t.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	if !IsTerminal(in) || !IsTerminal(out) {
		return "", ErrNoTerminal
	}

	program := tea.NewProgram(newModel(prompt, lines),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := program.Run()
	if err != nil {
		return "", fmt.Errorf("terminal selector: %w", err)
	}
	if m, ok := final.(model); ok {
		return m.choice, nil
	}
	return "", nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
