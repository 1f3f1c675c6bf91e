package util

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// Output runs a command and returns its trimmed stdout. When the command
// fails with something on stderr, that text becomes the error message;
// tmux in particular reports its diagnostics there rather than in the
// exit status.
func Output(name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	c := exec.Command(name, args...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Run runs a command for its side effect, discarding stdout.
func Run(name string, args ...string) error {
	_, err := Output(name, args...)
	return err
}
