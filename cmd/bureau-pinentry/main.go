// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/bureau-foundation/pinentry/lib/assuan"
	"github.com/bureau-foundation/pinentry/lib/config"
	"github.com/bureau-foundation/pinentry/lib/dialog"
	"github.com/bureau-foundation/pinentry/lib/pinentry"
	"github.com/bureau-foundation/pinentry/lib/process"
	"github.com/bureau-foundation/pinentry/lib/secret"
	"github.com/bureau-foundation/pinentry/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
	process.Exit(0)
}

// commandLine holds the parsed flags.
type commandLine struct {
	flagSet *pflag.FlagSet

	configPath  string
	debug       bool
	showVersion bool
	timeout     time.Duration
	pinFile     string
	socketPath  string
	logFile     string

	// Session seeds, as passed by gpg-agent.
	ttyName    string
	ttyType    string
	display    string
	lcCtype    string
	lcMessages string
	parentWID  string
	noGrab     bool
}

func parseCommandLine(args []string) (*commandLine, error) {
	line := &commandLine{}
	flagSet := pflag.NewFlagSet("bureau-pinentry", pflag.ContinueOnError)
	flagSet.StringVar(&line.configPath, "config", "", "path to config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVarP(&line.debug, "debug", "d", false, "log at debug level")
	flagSet.BoolVar(&line.showVersion, "version", false, "print version information and exit")
	flagSet.DurationVarP(&line.timeout, "timeout", "o", 0, "default dialog timeout (0 waits indefinitely)")
	flagSet.StringVar(&line.pinFile, "pin-file", "", "answer GETPIN from this file instead of a terminal")
	flagSet.StringVar(&line.socketPath, "socket", "", "serve on this Unix socket instead of stdin/stdout")
	flagSet.StringVar(&line.logFile, "log-file", "", "write logs to this file instead of stderr")
	flagSet.StringVarP(&line.ttyName, "ttyname", "T", "", "terminal to draw dialogs on")
	flagSet.StringVarP(&line.ttyType, "ttytype", "N", "", "terminal type")
	flagSet.StringVarP(&line.display, "display", "D", "", "X display")
	flagSet.StringVarP(&line.lcCtype, "lc-ctype", "C", "", "character type locale")
	flagSet.StringVarP(&line.lcMessages, "lc-messages", "M", "", "message locale")
	flagSet.StringVarP(&line.parentWID, "parent-wid", "W", "", "parent window id")
	flagSet.BoolVarP(&line.noGrab, "no-global-grab", "g", false, "do not grab the keyboard")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	line.flagSet = flagSet
	return line, nil
}

// loadConfig reads the config file and applies flag overrides.
func (line *commandLine) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if line.configPath != "" {
		cfg, err = config.LoadFile(line.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if line.flagSet.Changed("timeout") {
		cfg.Dialog.Timeout = line.timeout.String()
	}
	if line.pinFile != "" {
		cfg.UI.Mode = config.UIModeFile
		cfg.UI.PinFile = line.pinFile
	}
	if line.socketPath != "" {
		cfg.Server.Socket = line.socketPath
	}
	if line.logFile != "" {
		cfg.Log.File = line.logFile
	}
	if line.debug || os.Getenv("PINENTRY_DEBUG") != "" {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// session returns the connection settings given on the command line.
func (line *commandLine) session() pinentry.Session {
	return pinentry.Session{
		TTYName:    line.ttyName,
		TTYType:    line.ttyType,
		Display:    line.display,
		LCCtype:    line.lcCtype,
		LCMessages: line.lcMessages,
		ParentWID:  line.parentWID,
		Grab:       !line.noGrab,
	}
}

func run(args []string) error {
	line, err := parseCommandLine(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if line.showVersion {
		fmt.Println(version.Full())
		return nil
	}

	cfg, err := line.loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	pool, err := secret.NewPool(cfg.Pool.Size, logger)
	if err != nil {
		return fmt.Errorf("creating secure memory pool: %w", err)
	}
	process.AtExit(func() { pool.Close() })
	if pool.Degraded() && cfg.Pool.RequireLock {
		return errors.New("secure memory could not be locked and pool.require_lock is set")
	}

	ui, flavor, err := newUI(cfg, pool, logger)
	if err != nil {
		return err
	}

	timeout, err := cfg.DialogTimeout()
	if err != nil {
		return err
	}
	options := pinentry.Options{
		Pool:   pool,
		UI:     ui,
		Logger: logger,
		Flavor: flavor,
		Defaults: pinentry.Defaults{
			PinCapacity: cfg.Dialog.PinCapacity,
			Timeout:     timeout,
			Prompt:      cfg.Dialog.DefaultPrompt,
		},
		Session: line.session(),
	}

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	logger.Debug("starting bureau-pinentry",
		"version", version.Info(),
		"flavor", flavor,
		"socket", cfg.Server.Socket,
		"pool_size", pool.Size(),
		"pool_degraded", pool.Degraded(),
	)

	if cfg.Server.Socket != "" {
		return serveSocket(ctx, cfg, pool, options, logger)
	}
	return servePipe(ctx, protocolInput(logger), os.Stdout, options)
}

// protocolInput returns the stream the pipe server reads commands from.
// A pipe or socket on stdin is switched to non-blocking mode and
// reopened, so the runtime poller owns it and a pending read can be
// interrupted by closing it or setting a deadline. Anything else is
// returned as os.Stdin.
func protocolInput(logger *slog.Logger) *os.File {
	const stdin = 0
	var status unix.Stat_t
	if err := unix.Fstat(stdin, &status); err != nil {
		return os.Stdin
	}
	switch status.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFSOCK:
	default:
		return os.Stdin
	}
	if err := unix.SetNonblock(stdin, true); err != nil {
		logger.Warn("stdin stays in blocking mode", "error", err)
		return os.Stdin
	}
	return os.NewFile(stdin, "/dev/stdin")
}

// servePipe serves one protocol session on the given streams. When ctx
// ends the input is closed, so a signal that arrives while the server
// waits for a command ends the session instead of leaving it blocked.
func servePipe(ctx context.Context, input io.Reader, output io.Writer, options pinentry.Options) error {
	if closer, ok := input.(io.Closer); ok {
		stopClose := context.AfterFunc(ctx, func() { closer.Close() })
		defer stopClose()
	}

	conn := assuan.NewServer(input, output, assuan.Options{
		Logger: options.Logger,
		Pool:   options.Pool,
	})
	state, err := pinentry.NewState(options)
	if err != nil {
		return err
	}
	defer state.Close()
	if err := state.Install(ctx, conn); err != nil {
		return err
	}

	err = conn.Serve(ctx)
	if ctx.Err() != nil {
		options.Logger.Info("interrupted", "cause", context.Cause(ctx))
		return nil
	}
	return err
}

// serveSocket serves connections on the configured socket until ctx is
// cancelled. Every connection gets a fresh request state; its owner is
// the peer process.
func serveSocket(ctx context.Context, cfg *config.Config, pool *secret.Pool, options pinentry.Options, logger *slog.Logger) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	listener := assuan.NewListener(cfg.Server.Socket, assuan.Options{
		Logger: logger,
		Pool:   pool,
	}, func(conn *assuan.Context, peer assuan.Peer) (func(), error) {
		connectionOptions := options
		connectionOptions.Logger = conn.Logger()
		connectionOptions.Session.OwnerPID = int(peer.PID)
		connectionOptions.Session.OwnerUID = int(peer.UID)
		connectionOptions.Session.OwnerHost = hostname

		state, err := pinentry.NewState(connectionOptions)
		if err != nil {
			return nil, err
		}
		if err := state.Install(ctx, conn); err != nil {
			state.Close()
			return nil, err
		}
		return state.Close, nil
	})
	if cfg.Server.AllowAnyUID {
		listener.AllowAnyUID()
	}
	return listener.Serve(ctx)
}

// newUI builds the configured collaborator and names its flavor.
func newUI(cfg *config.Config, pool *secret.Pool, logger *slog.Logger) (pinentry.UI, string, error) {
	switch cfg.UI.Mode {
	case config.UIModeFile:
		ui, err := dialog.NewFile(pool, cfg.UI.PinFile, logger)
		return ui, "file", err
	default:
		ui, err := dialog.NewTTY(dialog.TTYOptions{
			Pool:   pool,
			Device: cfg.UI.TTY,
			Logger: logger,
		})
		return ui, "tty", err
	}
}

// newLogger writes JSON records to the configured log file, or to
// stderr: text when stderr is a terminal, JSON otherwise.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	if cfg.Log.File != "" {
		file, err := os.OpenFile(cfg.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		process.AtExit(func() { file.Close() })
		return slog.New(slog.NewJSONHandler(file, options)), nil
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
}
