// Package selector puts a list of lines in front of the user and returns the
// chosen one. An empty choice means the user cancelled.
package selector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the selector program could not be started.
	ErrUnavailable = errors.New("selector unavailable")
	// ErrNoTerminal means the terminal selector was asked to run without one.
	ErrNoTerminal = errors.New("terminal selector needs a terminal")
)

// Command runs a dmenu-compatible program: candidate lines on its standard
// input, the chosen line on its standard output.
type Command struct {
	// Argv is the program and its fixed arguments, e.g. ["dmenu", "-i"].
	Argv []string
	// PromptFlag precedes the prompt text; empty means no prompt is passed.
	PromptFlag string
	Logger     *zap.Logger
}

// Select blocks until the program exits. dmenu exits 1 without output when
// the user presses escape; that is reported as an empty choice.
func (c *Command) Select(ctx context.Context, prompt string, lines []string) (string, error) {
	if len(c.Argv) == 0 {
		return "", fmt.Errorf("%w: no selector command configured", ErrUnavailable)
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := append([]string{}, c.Argv[1:]...)
	if c.PromptFlag != "" && prompt != "" {
		args = append(args, c.PromptFlag, prompt)
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	cmd.Stdin = strings.NewReader(strings.Join(lines, "\n") + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("executing selector", zap.Strings("argv", append([]string{c.Argv[0]}, args...)), zap.Int("lines", len(lines)))
	err := cmd.Run()
	choice := strings.TrimSuffix(strings.TrimSuffix(stdout.String(), "\n"), "\r")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && choice == "" {
			logger.Debug("selector cancelled")
			return "", nil
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("selector %s failed: %s (underlying error: %w)", c.Argv[0], msg, err)
		}
		return "", fmt.Errorf("selector %s failed: %w", c.Argv[0], err)
	}
	return choice, nil
}
