package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	replyMessageID string
	replyChatID    string
	replyBody      string
)

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Send a reply to a customer",
	Long:  "Replies in the original email thread with --message-id, or sends a WhatsApp message with --chat-id.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		switch {
		case replyMessageID != "" && replyChatID != "":
			return eris.New("use either --message-id or --chat-id, not both")
		case replyMessageID != "":
			gc, err := initGraph()
			if err != nil {
				return err
			}
			if err := gc.SendReply(ctx, replyMessageID, replyBody); err != nil {
				return eris.Wrap(err, "send email reply")
			}
			zap.L().Info("reply sent", zap.String("message_id", replyMessageID))
		case replyChatID != "":
			wc, err := initWaAPI()
			if err != nil {
				return err
			}
			if err := wc.SendMessage(ctx, replyChatID, replyBody); err != nil {
				return eris.Wrap(err, "send chat message")
			}
			zap.L().Info("message sent", zap.String("chat_id", replyChatID))
		default:
			return eris.New("either --message-id or --chat-id is required")
		}
		return nil
	},
}

func init() {
	replyCmd.Flags().StringVar(&replyMessageID, "message-id", "", "email message id to reply to")
	replyCmd.Flags().StringVar(&replyChatID, "chat-id", "", "WhatsApp chat id to message")
	replyCmd.Flags().StringVar(&replyBody, "body", "", "message body (required)")
	_ = replyCmd.MarkFlagRequired("body")
	rootCmd.AddCommand(replyCmd)
}
