// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// perch-session is the command-line surface of the Perch session
// layer: login, session restore, gated sending, device verification,
// and logout, against the same packages the graphical client uses.
//
// Commands:
//
//	perch-session login <username>      log in and persist the session
//	perch-session status                restore the session and report state
//	perch-session rooms                 list cached rooms
//	perch-session send <room> <text>    send a message through the trust gate
//	perch-session verify                verify this device against another
//	perch-session logout                invalidate and clear the session
//
// Configuration comes from the YAML file named by PERCH_CONFIG or
// --config. The login password is read from the PERCH_PASSWORD
// environment variable or, when unset, from the first line of stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/perch-chat/perch/lib/config"
	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/lib/secret"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/session"
	"github.com/perch-chat/perch/store"
	"github.com/perch-chat/perch/trust"
	"github.com/perch-chat/perch/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		verbose     bool
		force       bool
		alwaysAllow bool
	)
	flagSet := pflag.NewFlagSet("perch-session", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "perch.yaml", "path to the config file (overridden by PERCH_CONFIG)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flagSet.BoolVar(&force, "force", false, "send despite unverified devices, this once")
	flagSet.BoolVar(&alwaysAllow, "always-allow", false, "send and persist an allow policy for the room")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		return fmt.Errorf("a command is required: login, status, rooms, send, verify, logout")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.PathFromEnv(configPath))
	if err != nil {
		return err
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	ctx := context.Background()
	switch command := args[0]; command {
	case "login":
		if len(args) != 2 {
			return fmt.Errorf("usage: perch-session login <username>")
		}
		return app.login(ctx, args[1])
	case "status":
		return app.status(ctx)
	case "rooms":
		return app.rooms(ctx)
	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: perch-session send <room> <text...>")
		}
		return app.send(ctx, args[1], strings.Join(args[2:], " "), trust.SendOptions{
			Force:       force,
			AlwaysAllow: alwaysAllow,
		})
	case "verify":
		return app.verify(ctx)
	case "logout":
		return app.logout(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// app bundles the wired session stack for one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.CredentialStore
	cache   *store.RoomCache
	manager *session.Manager
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	credStore, err := store.Open(store.Config{Dir: cfg.DataDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	cache, err := store.NewRoomCache(credStore)
	if err != nil {
		credStore.Close()
		return nil, err
	}
	manager, err := session.NewManager(session.Config{
		Store:               credStore,
		Cache:               cache,
		Connector:           &session.MatrixConnector{Logger: logger},
		Logger:              logger,
		RestoreTimeout:      cfg.RestoreTimeout,
		InitialHistoryLimit: cfg.InitialHistoryLimit,
	})
	if err != nil {
		credStore.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   credStore,
		cache:   cache,
		manager: manager,
	}, nil
}

func (a *app) close() {
	a.manager.Close()
	a.store.Close()
}

// restore brings the persisted session up, erroring when there is
// nothing to restore.
func (a *app) restore(ctx context.Context) error {
	restored, err := a.manager.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		return fmt.Errorf("not logged in (run: perch-session login <username>)")
	}
	return nil
}

func (a *app) login(ctx context.Context, username string) error {
	if a.cfg.Homeserver == "" {
		return fmt.Errorf("config: homeserver is required for login")
	}
	password, err := readPassword()
	if err != nil {
		return err
	}
	defer password.Close()

	if err := a.manager.Login(ctx, a.cfg.Homeserver, username, password); err != nil {
		if messaging.IsBadCredentials(err) {
			return fmt.Errorf("login rejected: wrong username or password")
		}
		return err
	}
	handle := a.manager.Handle()
	fmt.Printf("logged in as %s (device %s)\n", handle.UserID(), handle.DeviceID())
	return nil
}

func (a *app) status(ctx context.Context) error {
	restored, err := a.manager.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		fmt.Println("logged out")
		return nil
	}
	handle := a.manager.Handle()
	fmt.Printf("user: %s\ndevice: %s\nstate: %s\n", handle.UserID(), handle.DeviceID(), a.manager.State())

	evaluator := trust.NewEvaluator(handle, a.logger)
	if evaluator.IsAccountTrustEstablished(ctx) {
		fmt.Println("trust: established")
	} else {
		fmt.Println("trust: not established (verify this device)")
	}
	return nil
}

func (a *app) rooms(ctx context.Context) error {
	summaries, err := a.cache.Rooms(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no cached rooms (log in and let a sync complete)")
		return nil
	}
	for _, summary := range summaries {
		name := summary.Name
		if name == "" {
			name = summary.RoomID.String()
		}
		marker := " "
		if summary.Encrypted {
			marker = "E"
		}
		fmt.Printf("%s %-40s %s\n", marker, name, summary.RoomID)
	}
	return nil
}

func (a *app) send(ctx context.Context, rawRoom, text string, opts trust.SendOptions) error {
	room, err := ref.ParseRoomID(rawRoom)
	if err != nil {
		return err
	}
	if err := a.restore(ctx); err != nil {
		return err
	}
	handle := a.manager.Handle()

	evaluator := trust.NewEvaluator(handle, a.logger)
	go evaluator.Watch(a.manager.Subscribe())
	gate := trust.NewGate(handle, evaluator, a.store, a.logger)

	eventID, err := gate.SendText(ctx, room, text, opts)
	var blocked *trust.UnverifiedDevicesError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w\nretry with --force to send once, or --always-allow to stop asking for this room", err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", eventID)
	return nil
}

func (a *app) verify(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}
	handle := a.manager.Handle()
	evaluator := trust.NewEvaluator(handle, a.logger)
	go evaluator.Watch(a.manager.Subscribe())
	coordinator, err := verify.NewCoordinator(verify.CoordinatorConfig{
		Handle: handle,
		Trust:  evaluator,
		Synced: a.manager.SyncReady(),
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	flow, err := coordinator.StartSelfVerification(ctx)
	if errors.Is(err, verify.ErrCryptoUnavailable) {
		return fmt.Errorf("this build runs without an encryption provider; verification is unavailable")
	}
	if err != nil {
		return err
	}

	for update := range flow.Updates() {
		switch update.Phase {
		case verify.PhaseRequested:
			fmt.Println("verification requested, accept it on your other device")
		case verify.PhaseReady:
			fmt.Println("device answered, starting emoji comparison")
		case verify.PhaseShowingSas:
			fmt.Println("compare these emoji with your other device:")
			for _, pair := range update.Emojis {
				fmt.Printf("  %s  %s\n", pair.Symbol, pair.Label)
			}
			if confirmPrompt("do they match?") {
				if err := flow.Confirm(ctx); err != nil {
					return err
				}
			} else {
				if err := flow.Cancel(ctx); err != nil {
					return err
				}
			}
		case verify.PhaseConfirmed:
			fmt.Println("device verified")
		case verify.PhaseCancelled:
			fmt.Printf("verification cancelled (%s)\n", update.CancelReason)
		}
	}
	return nil
}

func (a *app) logout(ctx context.Context) error {
	// Restore first so the server-side token gets invalidated. A
	// restore failure still ends logged out: the manager clears
	// rejected or corrupt credentials on its own.
	if err := a.restore(ctx); err != nil {
		fmt.Println("no active session, local state cleared")
		return nil
	}
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

// readPassword takes the password from PERCH_PASSWORD, falling back to
// the first line of stdin.
func readPassword() (*secret.Buffer, error) {
	if fromEnv := os.Getenv("PERCH_PASSWORD"); fromEnv != "" {
		return secret.NewFromString(fromEnv)
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return secret.NewFromString(strings.TrimRight(line, "\r\n"))
}

// confirmPrompt asks a yes/no question on the terminal.
func confirmPrompt(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
