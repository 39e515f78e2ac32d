package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/socialwave/wavechat"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

var errQuit = errors.New("quit")

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open an interactive conversation",
	Long: "Open the conversation with a user, print it as it updates, and send each line you type.\n" +
		"Type /image <path> to send a picture, /refresh to poll now, /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := requireSession()
		if err != nil {
			return err
		}
		peerID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		m := wavechat.NewMessenger(client, session)
		defer m.Close()

		g, ctx := errgroup.WithContext(cmd.Context())

		conv, err := m.OpenWith(ctx, peerID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %d with user %d. /quit to leave.\n", conv.ID(), peerID)

		updates := make(chan []wavechat.Message, 1)
		unsubscribe := conv.Subscribe(func(msgs []wavechat.Message) {
			// Keep only the latest snapshot if the renderer is behind.
			select {
			case <-updates:
			default:
			}
			updates <- msgs
		})
		defer unsubscribe()

		lines := readLines(cmd.InOrStdin())

		g.Go(func() error {
			return render(ctx, cmd.OutOrStdout(), session.UserID(), conv.Messages(), updates)
		})
		g.Go(func() error {
			return prompt(ctx, cmd, conv, lines)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

// readLines feeds stdin lines into a channel. The reader goroutine is not
// part of the errgroup because a blocked read cannot be interrupted.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// render prints confirmed messages once each, in timeline order, starting
// with the snapshot taken when the conversation was opened.
func render(ctx context.Context, w io.Writer, selfID int64, initial []wavechat.Message, updates <-chan []wavechat.Message) error {
	printed := make(map[int64]bool)
	show := func(msgs []wavechat.Message) {
		for _, msg := range msgs {
			if msg.Pending || printed[msg.ID] {
				continue
			}
			printed[msg.ID] = true
			fmt.Fprintln(w, formatMessage(msg, selfID))
		}
	}
	show(initial)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs := <-updates:
			show(msgs)
		}
	}
}

// prompt sends each input line until /quit, end of input, or ctx is done.
func prompt(ctx context.Context, cmd *cobra.Command, conv *wavechat.Conversation, lines <-chan string) error {
	errOut := cmd.ErrOrStderr()
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}

		var err error
		switch {
		case line == "":
			continue
		case line == "/quit":
			return errQuit
		case line == "/refresh":
			conv.Refresh()
			continue
		case strings.HasPrefix(line, "/image "):
			var a wavechat.Attachment
			a, err = wavechat.AttachmentFromFile(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			if err == nil {
				_, err = conv.SendAttachment(ctx, a)
			}
		default:
			_, err = conv.SendText(ctx, line)
		}
		if err != nil {
			fmt.Fprintln(errOut, "!", wavechat.UserMessage(err))
		}
	}
}
