package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Show the node's message cache (requires admin privileges)",
		RunE:  runCache,
	}
}

func runCache(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	snap, err := client.AdminCache(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Online: %d/%d  Offline: %d  Evictions: %d\n",
		snap.Stats.Online, snap.Stats.LoadLimit, snap.Stats.Offline, snap.Stats.Evictions)
	if len(snap.Messages) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCATION\tSTATUS\tSIZE\tDELIVERY URL")
	for _, m := range snap.Messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Location, m.Status, m.Size, m.DeliveryURL)
	}
	return w.Flush()
}
