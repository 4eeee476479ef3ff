package main

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kokukuma/mdoc-wallet/internal/config"
	"github.com/kokukuma/mdoc-wallet/pkg/pki"
)

var (
	cfgFile string
	cfg     = &config.Config{LogLevel: "info", Profile: "production", CheckRevocation: true}
)

var rootCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Presents mdoc and SD-JWT credentials to relying parties.",
	Long: `wallet matches held credentials against OpenID4VP and ISO 18013-5
requests, builds the selectively disclosed response and validates the
certificate chains of the parties involved.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wallet.yaml)")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	loaded, err := config.Load(cfgFile, rootCmd.PersistentFlags())
	if err != nil {
		log.Fatalln("failed to load configuration:", err)
	}
	logger, err := loaded.Logger()
	if err != nil {
		log.Fatalln(err)
	}
	slog.SetDefault(logger)
	cfg = loaded
}

// trust returns the validator and anchors commands check chains with.
func trust() (*pki.Validator, []*x509.Certificate, error) {
	anchors, err := cfg.TrustAnchors()
	if err != nil {
		return nil, nil, err
	}
	return pki.NewValidator(pki.WithLogger(slog.Default())), anchors, nil
}

// readInput reads a file, or stdin for "-". Hex input may span lines.
func readInput(name string, hexEncoded bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}
	if !hexEncoded {
		return data, nil
	}
	return decodeHex(string(data))
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}
