package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/server"
	"github.com/fclairamb/notesync/internal/syncer"
)

// Status output formats.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// enableCommand stores the remote and turns syncing on.
func enableCommand() *cli.Command {
	return &cli.Command{
		Name:  "enable",
		Usage: "Enable syncing with a git repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Git URL of the repository (ssh, https or local path)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "branch",
				Aliases: []string{"b"},
				Usage:   "Branch to sync",
				Value:   "main",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Display name of the repository",
			},
			&cli.StringFlag{
				Name:  "ssh-key-file",
				Usage: "Private key for SSH remotes (the SSH agent is used otherwise)",
			},
			&cli.StringFlag{
				Name:  "known-hosts",
				Usage: "known_hosts file for SSH remotes",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password or token for HTTPS remotes",
				Sources: cli.EnvVars("NOTESYNC_GIT_PASSWORD"),
			},
			verboseFlag(),
		},
		Before: withLogging,
		Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
			cfg := &syncer.Config{
				Remote: syncer.Remote{
					URL:           cmd.String("url"),
					DefaultBranch: cmd.String("branch"),
					DisplayName:   cmd.String("name"),
				},
				KnownHostsPath: cmd.String("known-hosts"),
				Password:       cmd.String("password"),
			}

			if keyFile := cmd.String("ssh-key-file"); keyFile != "" {
				key, err := os.ReadFile(keyFile) //nolint:gosec // user provided key path
				if err != nil {
					return fmt.Errorf("read ssh key: %w", err)
				}
				cfg.SSHKey = string(key)
			}

			if err := ws.syncer.Enable(ctx, cfg); err != nil {
				return err
			}

			displaySyncConfig(cmd.Root().Writer, cfg)
			return nil
		}),
	}
}

// disableCommand turns syncing off.
func disableCommand() *cli.Command {
	return &cli.Command{
		Name:   "disable",
		Usage:  "Disable syncing and delete the local working copy",
		Flags:  []cli.Flag{verboseFlag()},
		Before: withLogging,
		Action: withWorkspace(func(ctx context.Context, _ *cli.Command, ws *workspace) error {
			return ws.syncer.Disable(ctx)
		}),
	}
}

// syncCommand runs one sync.
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:   "sync",
		Usage:  "Sync notes with the repository now",
		Flags:  []cli.Flag{verboseFlag()},
		Before: withLogging,
		Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
			err := ws.syncer.Sync(ctx)
			if errors.Is(err, apperrors.ErrSyncDisabled) {
				return fmt.Errorf("%w: run 'notesync enable' first", err)
			}
			if err != nil {
				return err
			}

			status, err := ws.syncer.Status(ctx)
			if err != nil {
				return err
			}
			displayStatus(cmd.Root().Writer, status, nil)
			return nil
		}),
	}
}

// statusCommand shows the sync status.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show sync status",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format: text, json or yaml",
				Value:   outputText,
			},
			verboseFlag(),
		},
		Before: withLogging,
		Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
			status, err := ws.syncer.Status(ctx)
			if err != nil {
				return err
			}

			out := cmd.Root().Writer
			switch format := cmd.String("output"); format {
			case outputJSON:
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			case outputYAML:
				data, err := yaml.Marshal(status)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			case outputText:
				cfg, err := ws.syncer.Config(ctx)
				if err != nil {
					return err
				}
				pending, err := ws.db.PendingSyncNotes(ctx)
				if err != nil {
					return err
				}
				displayStatus(out, status, cfg)
				displayPending(out, len(pending))
				return nil
			default:
				return fmt.Errorf("%w: %q", apperrors.ErrInvalidOutputFormat, format)
			}
		}),
	}
}

// serveCommand runs the background sync server.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Sync in the background and serve the HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port to listen on (defaults to server.port)",
			},
			&cli.BoolFlag{
				Name:  "no-watch",
				Usage: "Do not sync after local edits",
			},
			verboseFlag(),
		},
		Before: withLogging,
		Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
			cfg := server.Config{
				Port:   conf.Server.Port,
				Token:  conf.Server.Token,
				Secret: conf.Server.Secret,
			}
			if cmd.IsSet("port") {
				cfg.Port = cmd.Int("port")
			}
			if conf.Sync.Watch && !cmd.Bool("no-watch") {
				cfg.WatchPath = dbPath()
			}

			if cfg.Token == "" {
				slog.Warn("API token not configured - /api is open to anyone who can reach the port (set server.token)")
			}

			worker := server.NewSyncWorker(ws.syncer,
				server.WithSyncDelay(conf.Sync.Delay),
				server.WithMinInterval(conf.Sync.MinInterval),
				server.WithWorkerLogger(slog.Default()))

			return server.NewServer(cfg, ws.syncer, ws.db, worker, slog.Default()).Start(ctx)
		}),
	}
}
