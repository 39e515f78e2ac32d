package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/socialwave/wavechat"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendImageCmd)
}

// resolvePeer returns the conversation between the session user and the
// peer named by arg.
func resolvePeer(cmd *cobra.Command, client *wavechat.Client, session *wavechat.Session, arg string) (int64, error) {
	peerID, err := parseUserID(arg)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(cmd)
	defer cancel()
	return wavechat.NewDirectory(client.Chats).Resolve(ctx, session.UserID(), peerID)
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		convID, err := resolvePeer(cmd, client, session, args[0])
		if err != nil {
			return err
		}

		pipeline := wavechat.NewSendPipeline(client.Chats, client.Uploader(), &wavechat.SendOptions{Logger: clientLogger(client)})
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		if _, err := pipeline.SubmitText(ctx, convID, session.UserID(), strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message to conversation %d\n", convID)
		return nil
	},
}

var sendImageCmd = &cobra.Command{
	Use:   "send-image <user-id> <path>",
	Short: "Upload an image and send it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		a, err := wavechat.AttachmentFromFile(args[1])
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}
		convID, err := resolvePeer(cmd, client, session, args[0])
		if err != nil {
			return err
		}

		pipeline := wavechat.NewSendPipeline(client.Chats, client.Uploader(), &wavechat.SendOptions{Logger: clientLogger(client)})
		ctx, cancel := withTimeout(cmd)
		defer cancel()
		msg, err := pipeline.SubmitAttachment(ctx, convID, session.UserID(), a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent image %s to conversation %d\n", msg.Image(), convID)
		return nil
	},
}
