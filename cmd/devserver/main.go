// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main runs the in-memory development backend for instachat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/instachat-tui/internal/cli"
	"github.com/jeranaias/instachat-tui/internal/devserver"
	"github.com/jeranaias/instachat-tui/internal/logging"
)

const version = "0.1.0"

func main() {
	args := cli.NewArgParser(os.Args[1:], "auto-confirm", "totp", "help", "h", "version", "v")
	if args.BoolFlag("help") || args.BoolFlag("h") {
		printHelp()
		return
	}
	if args.BoolFlag("version") || args.BoolFlag("v") {
		fmt.Printf("instachat devserver v%s\n", version)
		return
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args *cli.ArgParser) error {
	log, err := logging.NewConsole(args.FlagOrDefault("log-level", "info"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv := devserver.New(devserver.Options{
		AnonKey:     args.FlagOrDefault("anon-key", devserver.DefaultAnonKey),
		TokenTTL:    time.Duration(args.FlagIntOrDefault("token-ttl", int(devserver.DefaultTokenTTL/time.Second))) * time.Second,
		AutoConfirm: args.BoolFlag("auto-confirm"),
		RateLimit:   rate.Limit(args.FlagIntOrDefault("rate", 50)),
		Burst:       args.FlagIntOrDefault("burst", 100),
		Logger:      log,
	})

	if cred := args.Flag("user"); cred != "" {
		if err := seedUser(srv, log, cred, args.BoolFlag("totp")); err != nil {
			return err
		}
	}

	addr := args.FlagOrDefault("addr", devserver.DefaultAddr)
	fmt.Printf("instachat devserver v%s\n\n", version)
	fmt.Printf("  SUPABASE_URL=http://%s\n", addr)
	fmt.Printf("  SUPABASE_ANON_KEY=%s\n\n", srv.AnonKey())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedUser creates a confirmed account from "email:password".
func seedUser(srv *devserver.Server, log *zap.Logger, cred string, withTOTP bool) error {
	email, password, ok := strings.Cut(cred, ":")
	if !ok || email == "" || password == "" {
		return fmt.Errorf("--user must be email:password")
	}
	id, err := srv.CreateUser(email, password)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	log.Info("seeded user", zap.String("email", email), zap.String("id", id))

	if !withTOTP {
		return nil
	}
	secret, err := srv.EnrollTOTP(email)
	if err != nil {
		return err
	}
	fmt.Printf("  TOTP secret for %s: %s\n", email, secret)
	return nil
}

func printHelp() {
	fmt.Println(`instachat devserver v` + version + `

Usage: devserver [OPTIONS]

Options:
  --addr ADDR           Listen address (default ` + devserver.DefaultAddr + `)
  --anon-key KEY        Key clients must send (default ` + devserver.DefaultAnonKey + `)
  --token-ttl SECONDS   Access token lifetime (default 3600)
  --auto-confirm        Sign users in on signup without email confirmation
  --user EMAIL:PASS     Create a confirmed account at startup
  --totp                Enroll a TOTP factor for --user and print the secret
  --rate N              Requests per second per client IP (default 50)
  --burst N             Rate limiter burst (default 100)
  --log-level LEVEL     debug, info, warn or error (default info)
  --help, -h            Show this help
  --version, -v         Show version

Nothing is persisted; all accounts and messages are lost on exit.`)
}
