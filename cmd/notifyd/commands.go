package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/notifyd/internal/auth"
	"github.com/darkden-lab/notifyd/internal/config"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "Notification dispatch service",
		Long: `notifyd consumes notification events from RabbitMQ and delivers them by
email, in-app storage and push. Configuration comes from the environment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

// newTokenCmd mints a short-lived token signed with JWT_SECRET, for
// publishing services and manual push testing.
func newTokenCmd() *cobra.Command {
	var (
		email     string
		publisher bool
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a signed access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var roles []string
			if publisher {
				roles = append(roles, auth.RolePublisher)
			}
			token, err := auth.NewJWTService(config.Load().JWTSecret).GenerateToken(args[0], email, roles...)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().BoolVar(&publisher, "publisher", false, "Grant the publisher role")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "notifyd version %s\n", version)
			fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
