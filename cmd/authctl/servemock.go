package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaseydoesmarketing/TTPROv5/internal/backendtest"
)

func serveMockCmd() *cobra.Command {
	var (
		addr   string
		accept []string
	)

	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run the in-memory mock backend",
		Long: `Serve the three handshake endpoints from an in-memory backend for
local development:

  POST /api/auth/firebase
  GET  /api/auth/session
  POST /api/auth/logout

Accepted assertions are declared up front as token=uid:email pairs; a
token ending in * accepts every assertion with that prefix:

  authctl serve-mock --accept dev-token=u1:u1@example.com
  authctl serve-mock --accept 'fake-assertion-*=u1:u1@example.com'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeMock(addr, accept)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "Listen address")
	cmd.Flags().StringArrayVar(&accept, "accept", []string{"dev-token=u1:u1@example.com"},
		"Accepted assertion as token=uid:email (repeatable)")

	return cmd
}

func runServeMock(addr string, accept []string) error {
	backend := backendtest.New()
	for _, spec := range accept {
		token, user, err := parseAccept(spec)
		if err != nil {
			return err
		}
		if prefix, ok := strings.CutSuffix(token, "*"); ok {
			backend.AcceptPrefix(prefix, user)
			info("Accepting prefix %q as %s", prefix, user.UID)
		} else {
			backend.AcceptAssertion(token, user)
			info("Accepting %q as %s", token, user.UID)
		}
	}

	srv := &http.Server{Addr: addr, Handler: backend.Handler()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println()
		info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	fmt.Println()
	success("Mock backend listening on http://%s", addr)
	info("Try: authctl probe --base-url http://%s dev-token", addr)
	fmt.Println()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// parseAccept splits "token=uid:email" into its parts.
func parseAccept(spec string) (string, backendtest.User, error) {
	token, who, ok := strings.Cut(spec, "=")
	if !ok {
		return "", backendtest.User{}, fmt.Errorf("--accept %q: want token=uid:email", spec)
	}
	uid, email, ok := strings.Cut(who, ":")
	if !ok || token == "" || uid == "" || email == "" {
		return "", backendtest.User{}, fmt.Errorf("--accept %q: want token=uid:email", spec)
	}
	return token, backendtest.User{UID: uid, Email: email}, nil
}
