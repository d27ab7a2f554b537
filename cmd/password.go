package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// readSecret returns value unless it is "-", in which case the secret is read
// from in: hidden when in is a terminal, otherwise one line of input.
func readSecret(value string, in *os.File, prompt io.Writer) (string, error) {
	if value != "-" {
		return value, nil
	}
	if isatty.IsTerminal(in.Fd()) {
		fmt.Fprint(prompt, "password: ")
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password from stdin: %w", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
