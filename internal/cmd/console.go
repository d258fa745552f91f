package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/console"
	"github.com/fleetwatch/fleetwatch/pkg/cli"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console [server-url]",
		Short: "Open the terminal dashboard against a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL := "http://localhost:8080"
			if len(args) > 0 {
				serverURL = args[0]
			}

			username, _ := cmd.Flags().GetString("user")
			password, _ := cmd.Flags().GetString("password")

			p := cli.DefaultPrompter()
			if username == "" {
				username = p.Ask("Username", "admin")
			}
			if password == "" {
				password = p.AskPassword("Password")
			}
			if password == "" {
				return fmt.Errorf("a password is required")
			}

			return console.Run(serverURL, username, password)
		},
	}
	cmd.Flags().StringP("user", "u", "", "operator username")
	cmd.Flags().StringP("password", "p", "", "operator password (prompted if omitted)")
	return cmd
}
