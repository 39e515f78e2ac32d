package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/socialwave/wavechat"
)

var (
	usersSearch string
	usersJSON   bool
	chatsJSON   bool
)

func init() {
	usersCmd.Flags().StringVar(&usersSearch, "search", "", "Filter by username or email")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(chatsCmd)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List people, online first",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		m := wavechat.NewMessenger(client, session)

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		p, err := m.Peers(ctx, usersSearch)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if usersJSON {
			return printJSON(out, p)
		}
		if p.Len() == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		printUserGroup(cmd, fmt.Sprintf("Online (%d)", len(p.Online)), p.Online)
		printUserGroup(cmd, fmt.Sprintf("Offline (%d)", len(p.Offline)), p.Offline)
		return nil
	},
}

func printUserGroup(cmd *cobra.Command, title string, users []wavechat.User) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, title+":")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, u := range users {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", u.ID, u.Username, u.Email)
	}
	w.Flush()
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		m := wavechat.NewMessenger(client, session)

		ctx, cancel := withTimeout(cmd)
		defer cancel()
		chats, err := m.Chats(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if chatsJSON {
			return printJSON(out, chats)
		}
		if len(chats) == 0 {
			fmt.Fprintln(out, "No conversations yet. Start one with 'wavechat open <user-id>'.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, c := range chats {
			status := "offline"
			if c.OtherIsOnline {
				status = "online"
			}
			last := ""
			if c.LastMessage != nil {
				last = *c.LastMessage
			}
			fmt.Fprintf(w, "%d\t%s (%d)\t%s\t%s\n", c.ID, c.OtherUsername, c.OtherUserID, status, last)
		}
		w.Flush()
		return nil
	},
}
