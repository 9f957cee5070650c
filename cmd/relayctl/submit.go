package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relaymesh/pkg/httpclient"
)

func newSubmitCommand() *cobra.Command {
	var (
		deliveryURL string
		statusURL   string
		data        string
		file        string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message for delivery",
		Long: `Submit a message to the cluster. The contents come from --data, from --file,
or from stdin when --file is "-". The command returns once the node has
queued the message; use "relayctl status <id>" to follow it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, deliveryURL, statusURL, data, file)
		},
	}

	cmd.Flags().StringVar(&deliveryURL, "to", "", "Delivery URL (required)")
	cmd.Flags().StringVar(&statusURL, "status-url", "", "URL told about the delivery outcome")
	cmd.Flags().StringVar(&data, "data", "", "Message contents")
	cmd.Flags().StringVar(&file, "file", "", "Read contents from a file, or - for stdin")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	if err := cmd.MarkFlagRequired("to"); err != nil {
		panic(fmt.Sprintf("Failed to mark to as required: %v", err))
	}
	return cmd
}

func runSubmit(cmd *cobra.Command, deliveryURL, statusURL, data, file string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	contents := []byte(data)
	switch file {
	case "":
	case "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		contents = b
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		contents = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.SubmitMessage(ctx, httpclient.SubmitRequest{
		Contents:    contents,
		DeliveryURL: deliveryURL,
		StatusURL:   statusURL,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Message accepted by %s\n", resp.AcceptedBy)
	fmt.Fprintf(out, "ID: %s\n", resp.ID)
	return nil
}
