package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/socialwave/wavechat"
)

var (
	authPassword string
	whoamiJSON   bool
)

func init() {
	registerCmd.Flags().StringVar(&authPassword, "password", "", "Account password (or set WAVECHAT_PASSWORD)")
	loginCmd.Flags().StringVar(&authPassword, "password", "", "Account password (or set WAVECHAT_PASSWORD)")
	whoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(avatarCmd)
}

// ============================================================================
// register / login
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <email> <username>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(authPassword)
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		user, err := client.Auth.Register(ctx, args[0], password, args[1])
		if err != nil {
			return err
		}
		if err := saveSession(user); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Registration successful!")
		printUser(cmd, user)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and remember the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(authPassword)
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		user, err := client.Auth.Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		if err := saveSession(user); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

func saveSession(u *wavechat.User) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	if err := store.Save(wavechat.NewSession(*u)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ============================================================================
// logout / whoami
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sessionStore()
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		user, err := client.Auth.Get(ctx, session.UserID())
		if err != nil {
			// Fall back to the saved record when the service is unreachable.
			clientLogger(client).Warn().Err(err).Msg("could not refresh account")
			user = &session.User
		}

		if whoamiJSON {
			return printJSON(cmd.OutOrStdout(), user)
		}
		printUser(cmd, user)
		fmt.Fprintf(cmd.OutOrStdout(), "  Signed in: %s\n", session.LoggedInAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

func printUser(cmd *cobra.Command, u *wavechat.User) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  User ID:  %d\n", u.ID)
	fmt.Fprintf(out, "  Username: %s\n", u.Username)
	if u.Email != "" {
		fmt.Fprintf(out, "  Email:    %s\n", u.Email)
	}
	if u.AvatarURL != "" {
		fmt.Fprintf(out, "  Avatar:   %s\n", u.AvatarURL)
	}
}

// ============================================================================
// avatar
// ============================================================================

var avatarCmd = &cobra.Command{
	Use:   "avatar <path>",
	Short: "Upload a new profile picture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, store, err := requireSession()
		if err != nil {
			return err
		}
		a, err := wavechat.AttachmentFromFile(args[0])
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		m := wavechat.NewMessenger(client, session, wavechat.WithSessionStore(store))
		defer m.Close()

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		user, err := m.ShareAvatar(ctx, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Avatar updated: %s\n", user.AvatarURL)
		return nil
	},
}
