// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command qrscan signs in to an OIDC provider with the authorization code flow
// with PKCE and submits scanned QR payloads to an API with the resulting
// access token.
//
// Usage:
//
//	qrscan [-config file] [-env-file file] <command> [args]
//
// Commands:
//
//	login                 sign in, unless already signed in
//	status                show the session without any token values
//	token                 print a fresh access token
//	submit <payload>      submit a payload to the configured API url
//	logout                sign out of the provider and locally
//	settings [flags]      show or change the api url, auth url and device id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/qrscan/httpcache"
	"github.com/hashicorp/qrscan/oidc"
	"github.com/hashicorp/qrscan/oidc/callback"
	"github.com/hashicorp/qrscan/session"
	"github.com/hashicorp/qrscan/settings"
	"github.com/hashicorp/qrscan/storage"
	"github.com/hashicorp/qrscan/submit"
	"github.com/pkg/browser"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app holds what every command needs.
type app struct {
	cfg      *Config
	logger   hclog.Logger
	db       *storage.SQLiteStore
	settings *settings.Settings
	in       io.Reader
	out      io.Writer
	errOut   io.Writer
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("qrscan", flag.ContinueOnError)
	flags.SetOutput(errOut)
	configPath := flags.String("config", defaultConfigPath(), "path of the YAML configuration file")
	envFile := flags.String("env-file", ".env", "path of an optional .env file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: qrscan [-config file] [-env-file file] login|status|token|submit|logout|settings")
		return 2
	}

	cfg, err := LoadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "qrscan",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: errOut,
	})
	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o700); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	db, err := storage.OpenSQLite(cfg.StateDB)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer db.Close()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		settings: settings.New(db),
		in:       in,
		out:      out,
		errOut:   errOut,
	}
	cmd, cmdArgs := flags.Arg(0), flags.Args()[1:]
	switch cmd {
	case "settings":
		err = a.settingsCmd(ctx, cmdArgs)
	case "login", "status", "token", "submit", "logout":
		err = a.sessionCmd(ctx, cmd, cmdArgs)
	default:
		fmt.Fprintf(errOut, "unknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "qrscan.yaml"
	}
	return filepath.Join(dir, "qrscan", "config.yaml")
}

func (a *app) settingsCmd(ctx context.Context, args []string) error {
	const op = "main.settingsCmd"
	flags := flag.NewFlagSet("settings", flag.ContinueOnError)
	flags.SetOutput(a.errOut)
	values := map[settings.Key]*string{
		settings.APIURL:  flags.String("api-url", "", "API url payloads are submitted to; empty removes it"),
		settings.AuthURL: flags.String("auth-url", "", "OIDC issuer url; empty removes it"),
		settings.ID:      flags.String("id", "", "device id sent with every payload; empty removes it"),
	}
	flagKeys := map[string]settings.Key{"api-url": settings.APIURL, "auth-url": settings.AuthURL, "id": settings.ID}
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var setErr error
	flags.Visit(func(f *flag.Flag) {
		if setErr != nil {
			return
		}
		k := flagKeys[f.Name]
		setErr = a.settings.Set(ctx, k, *values[k])
	})
	if setErr != nil {
		return fmt.Errorf("%s: %w", op, setErr)
	}

	for _, k := range settings.Keys {
		v, ok, err := a.settings.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			v = "(not set)"
		}
		fmt.Fprintf(a.out, "%s: %s\n", k, v)
	}
	return nil
}

func (a *app) sessionCmd(ctx context.Context, cmd string, args []string) error {
	const op = "main.sessionCmd"
	m, cache, err := a.newManager(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.Store().OnAuthError(func(err error) {
		a.logger.Warn("authorization error", "error", err)
	})

	switch cmd {
	case "login":
		st, err := m.Login(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "signed in to %s until %s\n", st.Issuer, st.Expiry.Local().Format("2006-01-02 15:04:05"))
	case "status":
		return a.status(ctx, m)
	case "token":
		tk, err := m.FreshToken(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(tk))
	case "submit":
		if len(args) != 1 {
			return errors.New("usage: qrscan submit <payload>")
		}
		c, err := submit.NewClient(m, a.settings, submit.WithLogger(a.logger.Named("submit")))
		if err != nil {
			return err
		}
		if err := c.Submit(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(a.out, args[0])
	case "logout":
		if err := m.SignOut(ctx); err != nil {
			return err
		}
		a.logger.Debug("response cache disabled", "disabled", cache.Disabled())
		fmt.Fprintln(a.out, "signed out")
	}
	return nil
}

func (a *app) status(ctx context.Context, m *session.Manager) error {
	loggedIn, err := m.IsLoggedIn(ctx)
	if err != nil {
		return err
	}
	if !loggedIn {
		fmt.Fprintln(a.out, "signed out")
		return nil
	}
	st := m.State()
	fmt.Fprintf(a.out, "issuer:        %s\n", st.Issuer)
	fmt.Fprintf(a.out, "client id:     %s\n", st.ClientID)
	fmt.Fprintf(a.out, "scopes:        %s\n", strings.Join(st.Scopes, " "))
	fmt.Fprintf(a.out, "granted scope: %s\n", st.GrantedScope)
	fmt.Fprintf(a.out, "authorized at: %s\n", st.AuthorizedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(a.out, "expires at:    %s\n", st.Expiry.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(a.out, "refreshable:   %t\n", st.RefreshToken != "")
	if st.LastError != "" {
		fmt.Fprintf(a.out, "last error:    %s (%s)\n", st.LastError, st.LastErrorAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// newManager wires the session manager from the configuration and settings.
func (a *app) newManager(ctx context.Context) (*session.Manager, *httpcache.Cache, error) {
	if strings.TrimSpace(a.cfg.ClientID) == "" {
		return nil, nil, errors.New("client_id is required: set it in the config file or QRSCAN_CLIENT_ID")
	}
	issuer, err := a.settings.Require(ctx, settings.AuthURL)
	if err != nil {
		return nil, nil, fmt.Errorf("auth url isn't set, see \"qrscan settings -auth-url\": %w", err)
	}
	ca, err := a.cfg.ProviderCA()
	if err != nil {
		return nil, nil, err
	}
	locales, err := a.cfg.Locales()
	if err != nil {
		return nil, nil, err
	}

	cache := httpcache.New(httpcache.WithLogger(a.logger.Named("httpcache")))
	c, err := oidc.NewConfig(issuer, a.cfg.ClientID, a.cfg.RedirectURL,
		oidc.WithScopes(a.cfg.Scopes...),
		oidc.WithProviderCA(ca),
		oidc.WithTimeout(a.cfg.Timeout),
		oidc.WithExpirySkew(a.cfg.ExpirySkew),
		oidc.WithRoundTripper(cache.Wrap),
		oidc.WithLogger(a.logger.Named("oidc")),
	)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewStore(a.db, session.WithLogger(a.logger.Named("store")))
	if err != nil {
		return nil, nil, err
	}
	var opts []oidc.Option
	if len(locales) > 0 {
		opts = append(opts, oidc.WithUILocales(locales...))
	}
	m, err := session.NewManager(c, store, a.presenter(),
		session.WithLogger(a.logger.Named("session")),
		session.WithResponseCache(cache),
		session.WithMaxRefreshFailures(a.cfg.MaxRefreshFailures),
		session.WithRequestOptions(opts...),
		session.WithEndSessionURL(a.cfg.EndSessionURL),
	)
	if err != nil {
		return nil, nil, err
	}
	return m, cache, nil
}

func (a *app) presenter() oidc.RedirectPresenter {
	if a.cfg.Presenter == presenterPaste {
		return &callback.PastePresenter{In: a.in, Out: a.out}
	}
	return &callback.LoopbackPresenter{
		OpenURL: func(u string) error {
			fmt.Fprintf(a.errOut, "opening %s\n", u)
			return browser.OpenURL(u)
		},
		Logger: a.logger.Named("callback"),
	}
}
