package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/socialwave/wavechat"
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "wavechat",
	Short: "Wave direct-messaging client",
	Long: "Command-line client for Wave direct messages.\n" +
		"Sign in, browse who is online, and chat with one person at a time.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", wavechat.UserMessage(err))
		os.Exit(1)
	}
}
