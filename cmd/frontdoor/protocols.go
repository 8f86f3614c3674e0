package main

import (
	"fmt"
	"strings"

	"github.com/linkdata/frontdoor"
	"github.com/spf13/cobra"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols [offered...]",
	Short: "Show ALPN preferences and what would be selected for an offer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := frontdoor.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		n := frontdoor.Negotiator{DisableHTTP2: cfg.TLS.DisableHTTP2, Protocols: cfg.TLS.Protocols}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "preferences: %s\n", strings.Join(n.Preferences(), ", "))
		if len(args) > 0 {
			proto, ok := n.Select(args)
			kind, minor := frontdoor.Classify(proto)
			if !ok {
				fmt.Fprintf(out, "selected: none (falls back to %s)\n", proto)
			} else {
				fmt.Fprintf(out, "selected: %s\n", proto)
			}
			fmt.Fprintf(out, "handler: %s minor=%d\n", kind, minor)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(protocolsCmd)
}
