package main

import (
	"context"
	"fmt"
	"strconv"
	"syscall"

	"streamflix/pkg/models"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// parseItemArgs reads "<media_type> <id>" from the command arguments.
func parseItemArgs(cmd *cli.Command, offset int) (models.MediaType, int, error) {
	if cmd.NArg() < offset+2 {
		return "", 0, fmt.Errorf("expected <movie|tv> <id>")
	}
	mediaType, err := models.ParseMediaType(cmd.Args().Get(offset))
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.Atoi(cmd.Args().Get(offset + 1))
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid id %q", cmd.Args().Get(offset+1))
	}
	return mediaType, id, nil
}

func parseCollectionArg(cmd *cli.Command) (models.Collection, error) {
	if cmd.NArg() < 1 {
		return "", fmt.Errorf("expected a collection (favorites, history, downloads, recommendations)")
	}
	return models.ParseCollection(cmd.Args().First())
}

// LibraryList prints one collection, or the whole library with --json.
func (r *Runner) LibraryList(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if cmd.NArg() == 0 {
		return r.writeJSON(lib.Store.Snapshot())
	}
	c, err := parseCollectionArg(cmd)
	if err != nil {
		return err
	}
	items := lib.Store.Get(c)
	if cmd.Bool("json") {
		return r.writeJSON(items)
	}
	if len(items) == 0 {
		return r.writePlain("%s is empty", c)
	}
	for _, item := range items {
		r.writePlain("%-6s %-8d %s", item.MediaType, item.ID, item.DisplayTitle())
	}
	return nil
}

// LibraryAdd adds a title to favorites, history or downloads.
func (r *Runner) LibraryAdd(ctx context.Context, cmd *cli.Command) error {
	c, err := parseCollectionArg(cmd)
	if err != nil {
		return err
	}
	mediaType, id, err := parseItemArgs(cmd, 1)
	if err != nil {
		return err
	}

	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	item := models.LibraryItem{
		ID:          id,
		MediaType:   mediaType,
		Title:       cmd.String("title"),
		PosterPath:  cmd.String("poster"),
		VoteAverage: cmd.Float("rating"),
	}
	if mediaType == models.MediaTV {
		item.Name, item.Title = item.Title, ""
	}
	if err := lib.Store.Add(c, item); err != nil {
		return err
	}
	return r.writePlain("Added %s to %s", item.Key(), c)
}

// LibraryRemove removes a title from a collection.
func (r *Runner) LibraryRemove(ctx context.Context, cmd *cli.Command) error {
	c, err := parseCollectionArg(cmd)
	if err != nil {
		return err
	}
	mediaType, id, err := parseItemArgs(cmd, 1)
	if err != nil {
		return err
	}

	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Store.Remove(c, id, mediaType); err != nil {
		return err
	}
	return r.writePlain("Removed %s:%d from %s", mediaType, id, c)
}

// LibraryContains reports whether a title is in a collection.
func (r *Runner) LibraryContains(ctx context.Context, cmd *cli.Command) error {
	c, err := parseCollectionArg(cmd)
	if err != nil {
		return err
	}
	mediaType, id, err := parseItemArgs(cmd, 1)
	if err != nil {
		return err
	}

	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	return r.writePlain("%t", lib.Store.Contains(c, id, mediaType))
}

// LibraryClear empties one collection, or favorites, history and downloads
// with --all.
func (r *Runner) LibraryClear(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if cmd.Bool("all") {
		if err := lib.Store.ClearAll(); err != nil {
			return err
		}
		return r.writePlain("Cleared favorites, history and downloads")
	}

	c, err := parseCollectionArg(cmd)
	if err != nil {
		return err
	}
	if err := lib.Store.Clear(c); err != nil {
		return err
	}
	return r.writePlain("Cleared %s", c)
}

// LibraryLogin signs in so the library syncs under the user's account.
func (r *Runner) LibraryLogin(ctx context.Context, cmd *cli.Command) error {
	username := cmd.String("username")
	password := cmd.String("password")
	if password == "" {
		fmt.Fprint(r.output, "Password: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(r.output)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	session, err := lib.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return r.writePlain("Signed in as %s (library key %s, expires %s)",
		session.Username, session.UserID, session.ExpiresAt.Format("2006-01-02 15:04"))
}

// LibraryLogout signs out; the library keeps syncing under the device id.
func (r *Runner) LibraryLogout(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Logout(ctx); err != nil {
		return err
	}
	return r.writePlain("Signed out")
}

// LibrarySync pushes the library now and reports failures.
func (r *Runner) LibrarySync(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.Sync(ctx); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	owner, _ := lib.Coordinator.State().OwnerKey()
	return r.writePlain("Library pushed under %s", owner)
}

// LibraryWhoami prints the identity the library syncs as.
func (r *Runner) LibraryWhoami(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	return r.writeJSON(lib.Whoami())
}

// LibraryRecommend rebuilds recommendations from recent history.
func (r *Runner) LibraryRecommend(ctx context.Context, cmd *cli.Command) error {
	lib, err := r.openLibrary(ctx)
	if err != nil {
		return err
	}
	defer lib.Close()

	if err := lib.RefreshRecommendations(ctx); err != nil {
		return err
	}
	for _, item := range lib.Store.Get(models.Recommendations) {
		r.writePlain("%-6s %-8d %4.1f  %s", item.MediaType, item.ID, item.VoteAverage, item.DisplayTitle())
	}
	return nil
}

func libraryCommand(r *Runner) *cli.Command {
	jsonFlag := &cli.BoolFlag{Name: "json", Usage: "Print JSON"}

	return &cli.Command{
		Name:  "library",
		Usage: "Manage the on-device library",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "Show a collection, or the whole library as JSON",
				ArgsUsage: "[collection]",
				Flags:     []cli.Flag{jsonFlag},
				Action:    r.LibraryList,
			},
			{
				Name:      "add",
				Usage:     "Add a title to a collection",
				ArgsUsage: "<collection> <movie|tv> <id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "Display title"},
					&cli.StringFlag{Name: "poster", Usage: "Poster path"},
					&cli.FloatFlag{Name: "rating", Usage: "Vote average"},
				},
				Action: r.LibraryAdd,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Remove a title from a collection",
				ArgsUsage: "<collection> <movie|tv> <id>",
				Action:    r.LibraryRemove,
			},
			{
				Name:      "contains",
				Usage:     "Check whether a title is in a collection",
				ArgsUsage: "<collection> <movie|tv> <id>",
				Action:    r.LibraryContains,
			},
			{
				Name:      "clear",
				Usage:     "Empty a collection",
				ArgsUsage: "[collection]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Clear favorites, history and downloads"},
				},
				Action: r.LibraryClear,
			},
			{
				Name:  "login",
				Usage: "Sign in and sync under your account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "Prompted when omitted"},
				},
				Action: r.LibraryLogin,
			},
			{
				Name:   "logout",
				Usage:  "Sign out and sync under the device identity",
				Action: r.LibraryLogout,
			},
			{
				Name:   "sync",
				Usage:  "Push the library to the server now",
				Action: r.LibrarySync,
			},
			{
				Name:   "whoami",
				Usage:  "Show the identity the library syncs as",
				Action: r.LibraryWhoami,
			},
			{
				Name:   "recommend",
				Usage:  "Rebuild recommendations from recent history",
				Action: r.LibraryRecommend,
			},
		},
	}
}
