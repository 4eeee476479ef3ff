package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-wallet/mdoc"
	"github.com/kokukuma/mdoc-wallet/openid4vp"
	"github.com/kokukuma/mdoc-wallet/presentation"
)

var (
	requestHex        bool
	requestTranscript string
	requestDump       bool
	qrOut             string
	qrSize            int
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Inspect relying party requests",
}

var requestParseCmd = &cobra.Command{
	Use:   "parse <file|->",
	Short: "Parse an ISO 18013-5 DeviceRequest and print the derived presentation definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0], requestHex)
		if err != nil {
			return err
		}
		transcript, err := decodeHex(requestTranscript)
		if err != nil {
			return err
		}
		return parseDeviceRequest(cmd.Context(), cmd.OutOrStdout(), data, transcript)
	},
}

var requestFetchCmd = &cobra.Command{
	Use:   "fetch <authorize-url>",
	Short: "Fetch and verify the request object of an OpenID4VP authorize URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		return fetchAuthorizationRequest(cmd.Context(), cmd.OutOrStdout(), client, args[0])
	},
}

var requestQRCmd = &cobra.Command{
	Use:   "qr <authorize-url>",
	Short: "Render an OpenID4VP authorize URL as a PNG QR code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeQRCode(cmd.OutOrStdout(), args[0], qrOut, qrSize)
	},
}

func init() {
	requestParseCmd.Flags().BoolVar(&requestHex, "hex", false, "input is hex encoded")
	requestParseCmd.Flags().StringVar(&requestTranscript, "transcript", "", "hex encoded SessionTranscript reader authentication is computed over")
	requestParseCmd.MarkFlagRequired("transcript")
	requestParseCmd.Flags().BoolVar(&requestDump, "dump", false, "dump the decoded request structure")

	requestQRCmd.Flags().StringVarP(&qrOut, "out", "o", "request.png", "PNG file to write, - for stdout")
	requestQRCmd.Flags().IntVar(&qrSize, "size", 256, "image width and height in pixels")

	requestCmd.AddCommand(requestParseCmd, requestFetchCmd, requestQRCmd)
	rootCmd.AddCommand(requestCmd)
}

func parseDeviceRequest(ctx context.Context, w io.Writer, data, transcript []byte) error {
	opts := []mdoc.ParseOption{mdoc.WithParseLogger(slog.Default())}
	if cfg.TrustAnchorDir != "" {
		validator, anchors, err := trust()
		if err != nil {
			return err
		}
		opts = append(opts, mdoc.WithReaderTrust(validator, anchors, cfg.CheckRevocation))
	}

	parsed, err := mdoc.ParseDeviceRequest(ctx, data, transcript, opts...)
	if err != nil {
		return err
	}
	if requestDump {
		spew.Fdump(w, parsed)
	}
	for _, dr := range parsed.DocRequests {
		fmt.Fprintf(w, "docType=%s readerAuth=%t authenticated=%t trusted=%t\n",
			dr.ItemsRequest.DocType, dr.ReaderAuthPresent, dr.ReaderAuthenticated, dr.ReaderTrusted)
	}

	q, err := presentation.QueryFromDeviceRequest(parsed, transcript)
	if err != nil {
		return err
	}
	return printJSON(w, q.Definition)
}

func fetchAuthorizationRequest(ctx context.Context, w io.Writer, client *http.Client, authorizeURL string) error {
	authz, err := openid4vp.ParseAuthorizeURL(authorizeURL)
	if err != nil {
		return err
	}
	token, err := authz.FetchRequestObject(ctx, client)
	if err != nil {
		return err
	}

	var opts []openid4vp.RequestObjectOption
	if cfg.TrustAnchorDir != "" {
		validator, anchors, err := trust()
		if err != nil {
			return err
		}
		opts = append(opts, openid4vp.WithVerifierTrust(validator, anchors, cfg.CheckRevocation))
	} else {
		slog.Warn("no trust anchors configured, verifier chain is not evaluated")
	}

	verified, err := openid4vp.VerifyRequestObject(ctx, token, opts...)
	if err != nil {
		return err
	}
	req := verified.Request
	if req.ClientID != authz.ClientID {
		return fmt.Errorf("%w: client_id %q does not match the authorize URL", openid4vp.ErrInvalidRequest, req.ClientID)
	}
	if _, err := presentation.QueryFromAuthorizationRequest(req); err != nil {
		return err
	}

	fmt.Fprintf(w, "verifier: %s trusted=%t\n", verified.Chain[0].Subject, verified.Trusted)
	return printJSON(w, req)
}

func writeQRCode(w io.Writer, authorizeURL, out string, size int) error {
	authz, err := openid4vp.ParseAuthorizeURL(authorizeURL)
	if err != nil {
		return err
	}
	if out == "-" {
		png, err := qrcode.Encode(authz.String(), qrcode.Medium, size)
		if err != nil {
			return err
		}
		_, err = w.Write(png)
		return err
	}
	if err := qrcode.WriteFile(authz.String(), qrcode.Medium, size, out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", out)
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
