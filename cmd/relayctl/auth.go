package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with a relay node",
		Long: `Authenticate with a relay node using your client ID. The client ID "admin"
is granted access to the admin endpoints.`,
		RunE: runAuth,
	}
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Authenticate(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	token := client.GetToken()
	fmt.Fprintf(out, "Authentication successful.\n")
	fmt.Fprintf(out, "Token: %s\n", token)
	fmt.Fprintf(out, "\nSave it for later commands:\n")
	fmt.Fprintf(out, "  export RELAYMESH_TOKEN=%q\n", token)
	return nil
}
