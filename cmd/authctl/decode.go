package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [assertion]",
		Short: "Inspect an identity assertion",
		Long: `Decode a compact signed assertion and print its identity claims.

The signature is NOT verified; this is a diagnostic view only. The
assertion is read from the argument, or from stdin when omitted:

  authctl decode eyJhbGciOi...
  pbpaste | authctl decode`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := assertionInput(args)
			if err != nil {
				return err
			}
			return runDecode(raw)
		},
	}
	return cmd
}

func runDecode(raw string) error {
	claims, err := identity.InspectAssertion(raw)
	if err != nil {
		return fmt.Errorf("not a decodable assertion: %w", err)
	}

	fmt.Println()
	info("Subject:        %s", orNone(claims.Subject))
	info("Issuer:         %s", orNone(claims.Issuer))
	info("Email:          %s", orNone(claims.Email))
	info("Email verified: %t", claims.EmailVerified)
	info("Name:           %s", orNone(claims.Name))
	fmt.Println()

	switch {
	case claims.ExpiresAt.IsZero():
		warn("No expiry claim present")
	case time.Now().After(claims.ExpiresAt):
		warn("Expired %s ago (%s)", time.Since(claims.ExpiresAt).Round(time.Second), claims.ExpiresAt.Format(time.RFC3339))
	default:
		success("Valid for another %s (until %s)", time.Until(claims.ExpiresAt).Round(time.Second), claims.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// assertionInput returns the assertion from the argument or stdin.
func assertionInput(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", fmt.Errorf("no assertion provided")
	}
	return raw, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
