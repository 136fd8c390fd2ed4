package main

import (
	"context"
	"fmt"

	"streamflix/internal/auth"

	"github.com/urfave/cli/v3"
)

// UserAdd creates an account in the users file.
func (r *Runner) UserAdd(ctx context.Context, cmd *cli.Command) error {
	users, err := auth.NewUserStore(r.config.Auth.UsersFilePath)
	if err != nil {
		return err
	}

	user, err := users.RegisterUser(cmd.String("username"), cmd.String("password"), cmd.String("role"))
	if err != nil {
		return err
	}
	return r.writePlain("Created %s (%s) with library key %s", user.Username, user.Role, user.ID)
}

// UserDelete removes an account. Its stored library is left in place.
func (r *Runner) UserDelete(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() < 1 {
		return fmt.Errorf("expected a username")
	}
	users, err := auth.NewUserStore(r.config.Auth.UsersFilePath)
	if err != nil {
		return err
	}

	user, err := users.DeleteUser(cmd.Args().First())
	if err != nil {
		return err
	}
	return r.writePlain("Deleted %s", user.Username)
}

// UserList prints the accounts in the users file.
func (r *Runner) UserList(ctx context.Context, cmd *cli.Command) error {
	users, err := auth.NewUserStore(r.config.Auth.UsersFilePath)
	if err != nil {
		return err
	}
	for _, user := range users.Users() {
		r.writePlain("%-20s %-6s %s", user.Username, user.Role, user.ID)
	}
	return nil
}

func userCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage library server accounts",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
					&cli.StringFlag{Name: "role", Value: "user", Usage: "admin or user"},
				},
				Action: r.UserAdd,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete an account",
				ArgsUsage: "<username>",
				Action:    r.UserDelete,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List accounts",
				Action:  r.UserList,
			},
		},
	}
}
