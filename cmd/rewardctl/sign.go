package main

import (
	"fmt"
	"io"
	"os"

	"github.com/smallbiznis/movepoint/internal/webhook"
	"github.com/spf13/cobra"
)

func signCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signature header for a webhook body",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("WEBHOOK_SIGNING_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or WEBHOOK_SIGNING_SECRET is required")
			}

			path, _ := cmd.Flags().GetString("file")
			var (
				body []byte
				err  error
			)
			if path == "" || path == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			header, _ := cmd.Flags().GetString("header")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", header, webhook.Sign(body, secret))
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Signing secret (defaults to WEBHOOK_SIGNING_SECRET)")
	cmd.Flags().StringP("file", "f", "", "Body file, - for stdin")
	cmd.Flags().String("header", "X-Hub-Signature", "Header name to print")
	return cmd
}
