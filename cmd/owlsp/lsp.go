package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"owlsp/internal/lsp"
)

var (
	lspReplayDir   string
	lspNoDiskCache bool
)

var lspCmd = &cobra.Command{
	Use:          "lsp",
	Short:        "Run the owlsp language server over stdio",
	SilenceUsage: true,
	RunE:         runLSP,
}

func init() {
	lspCmd.Flags().StringVar(&lspReplayDir, "replay", "", "serve recorded fact streams from this directory")
	lspCmd.Flags().BoolVar(&lspNoDiskCache, "no-cache", false, "do not read or write the on-disk decoration cache")
}

func runLSP(cmd *cobra.Command, _ []string) error {
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()
	cleanup, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	server := lsp.NewServer(os.Stdin, os.Stdout, lsp.ServerOptions{
		ReplayDir:   lspReplayDir,
		NoDiskCache: lspNoDiskCache,
		Log:         cmd.ErrOrStderr(),
	})
	if err := server.Run(cmd.Context()); err != nil {
		if errors.Is(err, lsp.ErrExit) {
			return nil
		}
		if errors.Is(err, lsp.ErrExitWithoutShutdown) {
			return fmt.Errorf("lsp exit without shutdown")
		}
		return err
	}
	return nil
}
