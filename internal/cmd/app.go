// Package cmd provides the CLI commands for notesync.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fclairamb/notesync/internal/config"
	"github.com/fclairamb/notesync/internal/notes"
	"github.com/fclairamb/notesync/internal/settings"
	"github.com/fclairamb/notesync/internal/syncer"
	"github.com/fclairamb/notesync/internal/vcs"
	"github.com/fclairamb/notesync/internal/version"
)

const (
	dataDirPerm = 0750

	// Rotation of the optional log file.
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 28
)

// conf is the configuration loaded before any command runs.
var conf *config.Config

// verboseFlag returns the shared verbose flag for all commands.
func verboseFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable verbose logging",
	}
}

// withLogging is the Before hook of every command.
func withLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	setupLogging(cmd)
	return ctx, nil
}

// setupLogging configures the global logger based on the verbose flag and the log config.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") || cmd.Root().Bool("verbose") {
		level = slog.LevelDebug
	}

	var out io.Writer = cmd.Root().ErrWriter
	if out == nil {
		out = os.Stderr
	}
	if conf.Log.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   conf.Log.File,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		})
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch conf.Log.Format {
	case config.LogFormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled", "data_dir", conf.DataDir)
	}
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "notesync",
		Usage:   "Keep notes in sync across devices through a git repository",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Directory holding the notes database and the git working copy",
				Sources: cli.EnvVars(config.EnvPrefix + "DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars(config.EnvPrefix + "CONFIG"),
			},
			verboseFlag(),
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return ctx, err
			}
			if dir := cmd.String("data-dir"); dir != "" {
				cfg.DataDir = dir
			}
			conf = cfg
			return ctx, nil
		},
		Commands: []*cli.Command{
			noteCommand(),
			enableCommand(),
			disableCommand(),
			syncCommand(),
			statusCommand(),
			serveCommand(),
			versionCommand(),
		},
	}
}

// workspace holds what commands operate on.
type workspace struct {
	db     *notes.DB
	syncer *syncer.Syncer
}

// dbPath is the notes database file.
func dbPath() string {
	return filepath.Join(conf.DataDir, "notes.db")
}

// openWorkspace opens the notes database and the sync engine of the data directory.
func openWorkspace() (*workspace, func(), error) {
	if err := os.MkdirAll(conf.DataDir, dataDirPerm); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := notes.Open(dbPath(), notes.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}

	store, err := settings.NewStore(db.Conn(), settings.WithLogger(slog.Default()))
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	opts := []syncer.Option{
		syncer.WithLogger(slog.Default()),
		syncer.WithAuthor(vcs.Signature{Name: conf.Author.Name, Email: conf.Author.Email}),
		syncer.WithDeviceName(conf.DeviceName),
		syncer.WithLockFile(filepath.Join(conf.DataDir, "sync.lock")),
	}
	if side, ok := fallbackSide(conf.Sync.FallbackSide); ok {
		opts = append(opts, syncer.WithFallbackSide(side))
	}

	ws := &workspace{
		db:     db,
		syncer: syncer.New(db, store, filepath.Join(conf.DataDir, "repo"), opts...),
	}
	return ws, closeDB, nil
}

func fallbackSide(value string) (vcs.Side, bool) {
	switch value {
	case "ours":
		return vcs.Ours, true
	case "theirs":
		return vcs.Theirs, true
	default:
		return vcs.Ours, false
	}
}

// withWorkspace runs fn with an opened workspace.
func withWorkspace(fn func(ctx context.Context, cmd *cli.Command, ws *workspace) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		ws, closeFn, err := openWorkspace()
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(ctx, cmd, ws)
	}
}

// versionCommand prints build information.
func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(cmd.Root().Writer, "notesync %s\n", version.String())
			return err
		},
	}
}
