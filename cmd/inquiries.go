package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

var inquiriesCmd = &cobra.Command{
	Use:   "inquiries",
	Short: "Inspect customer inquiries",
}

// -- inquiries list --

var inquiriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inquiries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		inquiries, err := st.ListInquiries(ctx, store.InquiryFilter{
			Status: model.InquiryStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "inquiries list")
		}

		if len(inquiries) == 0 {
			fmt.Fprintln(os.Stderr, "No inquiries found.")
			return nil
		}

		formatInquiryList(os.Stdout, inquiries)
		return nil
	},
}

// -- inquiries show --

var inquiriesShowCmd = &cobra.Command{
	Use:   "show <inquiry-id>",
	Short: "Show one inquiry with its extracted data and messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid inquiry id %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		inq, err := st.GetInquiry(ctx, id)
		if err != nil {
			return eris.Wrap(err, "inquiries show")
		}
		if inq == nil {
			return eris.Errorf("inquiry %d not found", id)
		}

		data, err := st.GetExtractedData(ctx, id, false)
		if err != nil {
			return eris.Wrap(err, "load extracted data")
		}
		emails, err := st.ListEmailMessages(ctx, id)
		if err != nil {
			return eris.Wrap(err, "load email messages")
		}
		chats, err := st.ListChatMessages(ctx, id)
		if err != nil {
			return eris.Wrap(err, "load chat messages")
		}

		out := struct {
			Inquiry       *model.Inquiry       `json:"inquiry"`
			ExtractedData *model.ExtractedData `json:"extracted_data,omitempty"`
			EmailMessages []model.EmailMessage `json:"email_messages,omitempty"`
			ChatMessages  []model.ChatMessage  `json:"chat_messages,omitempty"`
		}{inq, data, emails, chats}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func formatInquiryList(w io.Writer, inquiries []model.Inquiry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tIDENTITY\tSTATUS\tUPDATED")
	for _, inq := range inquiries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			inq.ID, inq.PrimaryIdentity, inq.Status,
			inq.UpdatedAt.UTC().Format(time.RFC3339))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	inquiriesListCmd.Flags().String("status", "", "filter by status")
	inquiriesListCmd.Flags().Int("limit", 50, "max inquiries to list")
	inquiriesListCmd.Flags().Int("offset", 0, "offset into the result set")

	inquiriesCmd.AddCommand(inquiriesListCmd)
	inquiriesCmd.AddCommand(inquiriesShowCmd)
	rootCmd.AddCommand(inquiriesCmd)
}
