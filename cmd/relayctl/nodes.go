package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the cluster members known to the node",
		RunE:  runNodes,
	}
}

func runNodes(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node %s has %d peer(s)\n", resp.NodeID, len(resp.Peers))
	if len(resp.Peers) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tDIRECTION\tADMITTED")
	for _, p := range resp.Peers {
		direction := "inbound"
		if p.Outbound {
			direction = "outbound"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Address, p.State, direction, p.AdmittedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
