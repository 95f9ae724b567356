package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/notesync/internal/apperrors"
)

// noteCommand groups the note editing subcommands.
func noteCommand() *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Create, list and edit notes",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a note (reads stdin when no content is given)",
				ArgsUsage: "[content]",
				Flags:     []cli.Flag{verboseFlag()},
				Before:    withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					content, err := contentArg(cmd, 0)
					if err != nil {
						return err
					}

					note, err := ws.db.Create(ctx, content)
					if err != nil {
						return fmt.Errorf("create note: %w", err)
					}

					_, err = fmt.Fprintln(cmd.Root().Writer, note.ID)
					return err
				}),
			},
			{
				Name:  "list",
				Usage: "List notes",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "archived",
						Aliases: []string{"a"},
						Usage:   "Include archived notes",
					},
					verboseFlag(),
				},
				Before: withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					list, err := ws.db.List(ctx, cmd.Bool("archived"))
					if err != nil {
						return fmt.Errorf("list notes: %w", err)
					}
					displayNoteList(cmd.Root().Writer, list)
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "Print a note",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{verboseFlag()},
				Before:    withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					id, err := noteIDArg(cmd)
					if err != nil {
						return err
					}

					note, err := ws.db.Note(ctx, id)
					if err != nil {
						return err
					}

					_, err = fmt.Fprintln(cmd.Root().Writer, note.Content)
					return err
				}),
			},
			{
				Name:      "edit",
				Usage:     "Replace the content of a note (reads stdin when no content is given)",
				ArgsUsage: "<id> [content]",
				Flags:     []cli.Flag{verboseFlag()},
				Before:    withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					id, err := noteIDArg(cmd)
					if err != nil {
						return err
					}
					content, err := contentArg(cmd, 1)
					if err != nil {
						return err
					}

					if _, err := ws.db.Edit(ctx, id, content); err != nil {
						return fmt.Errorf("edit note: %w", err)
					}
					return nil
				}),
			},
			{
				Name:      "archive",
				Usage:     "Move a note to the archive",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "unarchive",
						Usage: "Move the note out of the archive instead",
					},
					verboseFlag(),
				},
				Before: withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					id, err := noteIDArg(cmd)
					if err != nil {
						return err
					}

					if _, err := ws.db.Archive(ctx, id, !cmd.Bool("unarchive")); err != nil {
						return fmt.Errorf("archive note: %w", err)
					}
					return nil
				}),
			},
			{
				Name:      "rm",
				Usage:     "Delete a note",
				ArgsUsage: "<id>",
				Flags:     []cli.Flag{verboseFlag()},
				Before:    withLogging,
				Action: withWorkspace(func(ctx context.Context, cmd *cli.Command, ws *workspace) error {
					id, err := noteIDArg(cmd)
					if err != nil {
						return err
					}

					cfg, err := ws.syncer.Config(ctx)
					if err != nil {
						return err
					}
					if err := ws.db.Delete(ctx, id, cfg != nil); err != nil {
						return fmt.Errorf("delete note: %w", err)
					}
					return nil
				}),
			},
		},
	}
}

func noteIDArg(cmd *cli.Command) (string, error) {
	id := strings.TrimSpace(cmd.Args().First())
	if id == "" {
		return "", apperrors.ErrNoteIDRequired
	}
	return id, nil
}

// contentArg returns the arguments from index from joined by spaces, or stdin when there
// are none.
func contentArg(cmd *cli.Command, from int) (string, error) {
	args := cmd.Args().Slice()
	if len(args) > from {
		return strings.Join(args[from:], " "), nil
	}

	reader := cmd.Root().Reader
	if reader == nil {
		reader = os.Stdin
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return string(data), nil
}
