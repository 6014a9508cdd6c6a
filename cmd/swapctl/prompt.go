package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"htlcswap/core/hashlock"
)

// secretEnv may carry the secret for non-interactive use.
const secretEnv = "SWAPCTL_SECRET"

// readSecret resolves a hex encoded secret from the flag value, SWAPCTL_SECRET,
// or an interactive prompt on stderr, in that order. Piped stdin is read as a
// single line.
func readSecret(flagValue string) ([]byte, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return hashlock.ParseSecret(v)
	}
	if v, ok := os.LookupEnv(secretEnv); ok {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%s is set but empty", secretEnv)
		}
		return hashlock.ParseSecret(v)
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readSecretLine(os.Stdin)
	}
	fmt.Fprint(os.Stderr, "Enter swap secret (hex): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return hashlock.ParseSecret(string(raw))
}

func readSecretLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return nil, errors.New("secret required; pass -secret, set SWAPCTL_SECRET or run interactively")
	}
	return hashlock.ParseSecret(line)
}
