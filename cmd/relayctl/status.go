package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relaymesh/pkg/httpclient"
)

func newStatusCommand() *cobra.Command {
	var (
		showContents bool
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status <message-id>",
		Short: "Show the delivery status of a message",
		Long: `Look a message up across the cluster. With --wait the command polls until
the message is no longer pending or the wait runs out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0], showContents, wait)
		},
	}

	cmd.Flags().BoolVar(&showContents, "contents", false, "Print the message contents")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll until delivered or failed, up to this long")
	return cmd
}

func runStatus(cmd *cobra.Command, id string, showContents bool, wait time.Duration) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	deadline := time.Now().Add(wait)
	var msg *httpclient.MessageResponse
	for {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		m, err := client.GetMessage(ctx, id, showContents)
		cancel()
		if err != nil && !(httpclient.IsNotFound(err) && time.Now().Before(deadline)) {
			return err
		}
		msg = m
		if msg != nil && (msg.Status != "pending" || !time.Now().Before(deadline)) {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", msg.ID)
	fmt.Fprintf(out, "Status: %s\n", msg.Status)
	if msg.DeliveryURL != "" {
		fmt.Fprintf(out, "Delivery URL: %s\n", msg.DeliveryURL)
	}
	fmt.Fprintf(out, "Size: %d\n", msg.Size)
	if showContents && msg.Contents != nil {
		fmt.Fprintf(out, "Contents: %s\n", msg.Contents)
	}
	return nil
}
