package cli

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"
)

// PromptPassword reads a password from the controlling terminal with echo
// disabled, restoring the terminal state before returning. The caller
// owns the returned bytes and must zero them after use.
func PromptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %v", err)
	}
	return pw, nil
}
