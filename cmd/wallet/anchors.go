package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Manage the trust anchor directory",
}

var anchorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the trust anchors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listAnchors(cmd.OutOrStdout())
	},
}

var anchorsAddCmd = &cobra.Command{
	Use:   "add <name> <cert.pem>",
	Short: "Copy a PEM certificate into the trust anchor directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return addAnchor(cmd.OutOrStdout(), args[0], args[1])
	},
}

var anchorsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a trust anchor file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return removeAnchor(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	anchorsCmd.AddCommand(anchorsListCmd, anchorsAddCmd, anchorsRemoveCmd)
	rootCmd.AddCommand(anchorsCmd)
}

func listAnchors(w io.Writer) error {
	store, err := cfg.AnchorStore()
	if err != nil {
		return err
	}
	infos, err := store.List()
	if err != nil {
		return err
	}
	return printJSON(w, infos)
}

func addAnchor(w io.Writer, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	store, err := cfg.AnchorStore()
	if err != nil {
		return err
	}
	info, err := store.Add(name, data)
	if err != nil {
		return err
	}
	return printJSON(w, info)
}

func removeAnchor(w io.Writer, name string) error {
	store, err := cfg.AnchorStore()
	if err != nil {
		return err
	}
	if err := store.Remove(name); err != nil {
		return err
	}
	fmt.Fprintf(w, "removed %s\n", name)
	return nil
}
