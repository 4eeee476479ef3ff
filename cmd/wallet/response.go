package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
)

var (
	responseHex        bool
	responseVPToken    bool
	responseTranscript string
)

var responseCmd = &cobra.Command{
	Use:   "response",
	Short: "Inspect wallet responses",
}

var responseVerifyCmd = &cobra.Command{
	Use:   "verify <file|->",
	Short: "Verify the issuer and device signatures of an mdoc DeviceResponse",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0], responseHex)
		if err != nil {
			return err
		}
		transcript, err := decodeHex(responseTranscript)
		if err != nil {
			return err
		}
		resp, err := decodeDeviceResponse(data, responseVPToken)
		if err != nil {
			return err
		}
		return verifyDeviceResponse(cmd.Context(), cmd.OutOrStdout(), resp, transcript)
	},
}

func init() {
	responseVerifyCmd.Flags().BoolVar(&responseHex, "hex", false, "input is hex encoded CBOR")
	responseVerifyCmd.Flags().BoolVar(&responseVPToken, "vp-token", false, "input is a base64url vp_token")
	responseVerifyCmd.Flags().StringVar(&responseTranscript, "transcript", "", "hex encoded SessionTranscript the device signed")
	responseVerifyCmd.MarkFlagRequired("transcript")

	responseCmd.AddCommand(responseVerifyCmd)
	rootCmd.AddCommand(responseCmd)
}

func decodeDeviceResponse(data []byte, vpToken bool) (*mdoc.DeviceResponse, error) {
	if vpToken {
		return openid4vp.ParseDeviceResponse(strings.TrimSpace(string(data)))
	}
	return mdoc.ParseDeviceResponse(data)
}

func verifyDeviceResponse(ctx context.Context, w io.Writer, resp *mdoc.DeviceResponse, transcript []byte) error {
	validator, anchors, err := trust()
	if err != nil {
		return err
	}
	verifier := mdoc.NewVerifier(validator, anchors, mdoc.WithCheckRevocation(cfg.CheckRevocation))

	failed := 0
	for _, doc := range resp.Documents {
		if err := verifier.Verify(ctx, doc, transcript); err != nil {
			failed++
			fmt.Fprintf(w, "%s: FAILED: %v\n", doc.DocType, err)
			continue
		}
		fmt.Fprintf(w, "%s: verified\n", doc.DocType)
		for _, ns := range doc.IssuerSigned.GetNameSpaces() {
			items, err := doc.IssuerSigned.GetIssuerSignedItems(ns)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintf(w, "  %s/%s = %v\n", ns, item.ElementIdentifier, item.ElementValue)
			}
		}
	}
	for _, de := range resp.DocumentErrors {
		fmt.Fprintf(w, "document error: %v\n", de)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed verification", failed, len(resp.Documents))
	}
	return nil
}
