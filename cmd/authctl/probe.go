package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/handshake"
)

func probeCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe [assertion]",
		Short: "Run the session handshake against a backend",
		Long: `Exchange an identity assertion for a backend cookie session and
verify the resulting session, reporting each step.

The assertion is read from the argument or stdin; the backend base URL
comes from --base-url or TTPRO_API_BASE_URL:

  authctl probe --base-url http://127.0.0.1:8088 eyJhbGciOi...
  authctl serve-mock &  # in another shell
  authctl probe --base-url http://127.0.0.1:8088 dev-token`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := assertionInput(args)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = os.Getenv("TTPRO_API_BASE_URL")
			}
			return runProbe(cmd.Context(), baseURL, raw, timeout)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "", "Backend base URL (default $TTPRO_API_BASE_URL)")
	cmd.Flags().DurationVar(&timeout, "timeout", handshake.DefaultTimeout, "Per-round-trip timeout")

	return cmd
}

func runProbe(ctx context.Context, baseURL, assertion string, timeout time.Duration) error {
	client, err := handshake.NewClient(baseURL, handshake.WithTimeout(timeout))
	if err != nil {
		return err
	}

	fmt.Println()
	info("Exchanging assertion at %s ...", client.BaseURL())

	start := time.Now()
	res, err := client.Exchange(ctx, assertion, false)
	if err != nil {
		warn("Exchange failed after %s: %s", time.Since(start).Round(time.Millisecond), err)
		info("Classified as: %s", autherr.CodeOf(err))
		return fmt.Errorf("handshake failed")
	}

	success("Exchange succeeded in %s", time.Since(start).Round(time.Millisecond))
	if res.User != nil {
		info("Backend user:  %s <%s>", res.User.UID, res.User.Email)
		if res.User.AlreadyRegistered {
			info("Registration:  already registered (idempotent)")
		} else {
			info("Registration:  new")
		}
	}

	if res.SessionVerified {
		success("Session cookie verified")
	} else {
		warn("Session cookie NOT verified")
	}
	fmt.Println()
	return nil
}
