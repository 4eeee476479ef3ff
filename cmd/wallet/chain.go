package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Certificate chain tools",
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify <chain.pem>",
	Short: "Check a PEM chain, leaf first, against the configured trust anchors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyChain(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	chainCmd.AddCommand(chainVerifyCmd)
	rootCmd.AddCommand(chainCmd)
}

func verifyChain(ctx context.Context, w io.Writer, path string) error {
	chain, err := pki.LoadCertificates(path)
	if err != nil {
		return err
	}
	validator, anchors, err := trust()
	if err != nil {
		return err
	}
	trusted, err := validator.Validate(ctx, chain, anchors, cfg.CheckRevocation)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "subject=%s trusted=%t revocation_checked=%t\n", chain[0].Subject, trusted, cfg.CheckRevocation)
	if !trusted {
		return fmt.Errorf("chain of %s is not trusted", chain[0].Subject.CommonName)
	}
	return nil
}
