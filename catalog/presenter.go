package catalog

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"dmxwifi/scan"
)

const (
	savedMarker   = "* "
	unsavedMarker = "  "
)

// Render formats entries for the selector, one line each, in catalog order.
// The saved marker occupies a fixed two-column prefix and identifiers are
// escaped, so no identifier can forge the marker or span lines.
func Render(entries []Entry) []string {
	names := make([]string, len(entries))
	width := 0
	for i, e := range entries {
		names[i] = EscapeSSID(e.SSID)
		if w := runewidth.StringWidth(names[i]); w > width {
			width = w
		}
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		marker := unsavedMarker
		if e.Saved {
			marker = savedMarker
		}
		line := fmt.Sprintf("%s%s  %s  %s", marker, runewidth.FillRight(names[i], width), signalColumn(e), securityColumn(e))
		lines[i] = strings.TrimRight(line, " ")
	}
	return lines
}

// RenderNames formats entries as marker and identifier only, for lists where
// signal and security are unknown.
func RenderNames(entries []Entry) []string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		marker := unsavedMarker
		if e.Saved {
			marker = savedMarker
		}
		lines[i] = marker + EscapeSSID(e.SSID)
	}
	return lines
}

// Resolve maps the selector's output back to its entry. An empty or
// unrecognised selection reports false, which callers treat as cancel.
func Resolve(selected string, entries []Entry) (Entry, bool) {
	return ResolveLines(selected, Render(entries), entries)
}

// ResolveLines is Resolve for lines produced by any renderer; lines[i] must
// describe entries[i].
func ResolveLines(selected string, lines []string, entries []Entry) (Entry, bool) {
	selected = strings.TrimSuffix(selected, "\n")
	selected = strings.TrimSuffix(selected, "\r")
	if selected == "" {
		return Entry{}, false
	}
	for i, line := range lines {
		if line == selected && i < len(entries) {
			return entries[i], true
		}
	}
	return Entry{}, false
}

// EscapeSSID writes backslashes, unprintable runes and trailing spaces as Go
// escapes. Trailing spaces would otherwise vanish into the column padding.
func EscapeSSID(ssid string) string {
	core := strings.TrimRight(ssid, " ")
	trailing := len(ssid) - len(core)
	ssid = core
	var b strings.Builder
	for i := 0; i < len(ssid); {
		r, size := utf8.DecodeRuneInString(ssid[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&b, `\x%02x`, ssid[i])
		case r == '\\':
			b.WriteString(`\\`)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			q := fmt.Sprintf("%+q", string(r))
			b.WriteString(q[1 : len(q)-1])
		}
		i += size
	}
	b.WriteString(strings.Repeat(`\x20`, trailing))
	return b.String()
}

func signalColumn(e Entry) string {
	switch {
	case !e.InRange:
		return "out of range"
	case e.Signal == scan.MinSignal:
		return "    ? dBm"
	default:
		return fmt.Sprintf("%5d dBm", e.Signal)
	}
}

func securityColumn(e Entry) string {
	if !e.InRange {
		return ""
	}
	if e.Secured {
		return "secured"
	}
	return "open"
}
