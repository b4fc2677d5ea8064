// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auth_cmd.go - Account commands: login, signup, logout and whoami.
//
// Command: login [--email E]
//   Prompts for the password. When the account has a verified TOTP factor the
//   code is generated from auth.totp_secret, or prompted for.
//
// Command: signup [--email E]
//   Creates an account. Projects that require email confirmation return no
//   session; the user signs in after confirming.
//
// Command: logout
//   Revokes the session remotely (best effort) and forgets it locally.
//
// Command: whoami
//   Verifies the stored token with the backend and prints the account.

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/instachat-tui/internal/model"
	"github.com/jeranaias/instachat-tui/internal/session"
	"github.com/jeranaias/instachat-tui/internal/supabase"
)

// =============================================================================
// LOGIN
// =============================================================================

// HandleLogin signs in interactively.
func HandleLogin(ctx context.Context, app *App, env Env) error {
	user, err := login(ctx, app, env)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s signed in as %s\n", SuccessStyle.Render("[OK]"), user.Email)
	return nil
}

// login runs the email, password and second factor prompts.
func login(ctx context.Context, app *App, env Env) (*model.User, error) {
	if env.Prompter == nil {
		return nil, &TTYRequiredError{Operation: "sign in"}
	}

	email, err := askEmail(app, env)
	if err != nil {
		return nil, err
	}
	password, err := env.Prompter.Secret("Password")
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, ErrMissingArgument("password", "instachat login [--email E]")
	}

	cred := supabase.Credentials{
		Email:      email,
		Password:   password,
		TOTPSecret: app.Config.Auth.TOTPSecret,
	}

	user, err := signIn(ctx, app, cred)
	if errors.Is(err, supabase.ErrMFARequired) {
		code, perr := env.Prompter.Line("Authenticator code", "")
		if perr != nil {
			return nil, perr
		}
		cred.MFACode = strings.ReplaceAll(code, " ", "")
		user, err = signIn(ctx, app, cred)
	}
	if err != nil {
		if errors.Is(err, supabase.ErrUnauthorized) {
			return nil, &CommandError{Command: "login", Reason: "invalid email, password or code", Err: err}
		}
		return nil, &CommandError{Command: "login", Reason: "sign in", Err: err}
	}
	return user, nil
}

func signIn(ctx context.Context, app *App, cred supabase.Credentials) (*model.User, error) {
	rctx, cancel := app.RequestContext(ctx)
	defer cancel()
	return app.Session.SignIn(rctx, cred)
}

func askEmail(app *App, env Env) (string, error) {
	email := env.Args.Email
	if email == "" {
		var err error
		email, err = env.Prompter.Line("Email", app.Config.Auth.Email)
		if err != nil {
			return "", err
		}
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrMissingArgument("email", "instachat "+env.Command.String()+" --email you@example.com")
	}
	return email, nil
}

// =============================================================================
// SIGNUP
// =============================================================================

// HandleSignup creates an account.
func HandleSignup(ctx context.Context, app *App, env Env) error {
	if env.Prompter == nil {
		return &TTYRequiredError{Operation: "sign up"}
	}

	email, err := askEmail(app, env)
	if err != nil {
		return err
	}
	password, err := env.Prompter.Secret("Password")
	if err != nil {
		return err
	}
	confirm, err := env.Prompter.Secret("Confirm password")
	if err != nil {
		return err
	}
	if password == "" {
		return ErrMissingArgument("password", "instachat signup [--email E]")
	}
	if password != confirm {
		return &UsageError{Message: "passwords do not match"}
	}

	rctx, cancel := app.RequestContext(ctx)
	defer cancel()
	user, confirmed, err := app.Session.SignUp(rctx, email, password)
	if err != nil {
		return &CommandError{Command: "signup", Reason: "create account", Err: err}
	}

	if !confirmed {
		fmt.Fprintf(env.Out, "%s account created for %s\n", SuccessStyle.Render("[OK]"), user.Email)
		fmt.Fprintln(env.Out, DimStyle.Render("Check your inbox to confirm, then run 'instachat login'."))
		return nil
	}
	fmt.Fprintf(env.Out, "%s signed up and signed in as %s\n", SuccessStyle.Render("[OK]"), user.Email)
	return nil
}

// =============================================================================
// LOGOUT
// =============================================================================

// HandleLogout forgets the session. Signing out with no session is not an error.
func HandleLogout(ctx context.Context, app *App, env Env) error {
	user, err := app.Session.Restore(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		fmt.Fprintln(env.Out, DimStyle.Render("Not signed in."))
		return nil
	}

	rctx, cancel := app.RequestContext(ctx)
	defer cancel()
	if err := app.Session.SignOut(rctx); err != nil {
		fmt.Fprintf(env.Err, "%s remote sign out failed: %v\n", WarningStyle.Render("[WARN]"), err)
	}
	fmt.Fprintf(env.Out, "%s signed out %s\n", SuccessStyle.Render("[OK]"), user.Email)
	return nil
}

// =============================================================================
// WHOAMI
// =============================================================================

// HandleWhoami prints the verified account.
func HandleWhoami(ctx context.Context, app *App, env Env) error {
	restored, err := app.Session.Restore(ctx)
	if err != nil {
		return err
	}
	if restored == nil {
		return &CommandError{Command: "whoami", Reason: "not signed in (run 'instachat login')", Err: session.ErrNoSession}
	}

	rctx, cancel := app.RequestContext(ctx)
	defer cancel()
	user, err := app.Session.VerifyUser(rctx)
	if err != nil {
		return &CommandError{Command: "whoami", Reason: "verify session", Err: err}
	}

	fmt.Fprintln(env.Out, TitleStyle.Render("Account"))
	fmt.Fprintln(env.Out, RenderField("Email", user.Email))
	fmt.Fprintln(env.Out, RenderField("Display name", model.HeaderTitle(user)))
	fmt.Fprintln(env.Out, RenderField("User ID", user.ID))
	if s := app.Session.Session(); s != nil {
		fmt.Fprintln(env.Out, RenderField("Token expires", formatExpiry(s.Expiry(), time.Now())))
	}
	fmt.Fprintln(env.Out, RenderField("Backend", app.Config.Backend.URL))
	return nil
}

// formatExpiry renders an expiry relative to now.
func formatExpiry(exp, now time.Time) string {
	if exp.IsZero() {
		return "unknown"
	}
	d := exp.Sub(now).Round(time.Second)
	if d <= 0 {
		return "expired"
	}
	return fmt.Sprintf("%s (in %s)", exp.Local().Format("15:04:05"), d)
}
