package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "frontdoor",
	Short: "TLS-terminating HTTP/1.x and HTTP/2 front end",
	Long: `frontdoor accepts cleartext and TLS connections, negotiates HTTP/1.0,
HTTP/1.1 or HTTP/2 through ALPN and hands the decoded requests to an
upstream HTTP server, or echoes them back when no upstream is configured.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults plus FRONTDOOR_* environment if empty)")
}
