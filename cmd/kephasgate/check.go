package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func checkCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Long:  `Load the configuration file and environment, validate it and print the effective settings without connecting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			g := cfg.Gateway
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "url:       %s\n", g.URL)
			fmt.Fprintf(out, "intents:   %s\n", strings.Join(g.ParsedIntents().Names(), ","))
			if shard := g.ProtocolShard(); shard != nil {
				fmt.Fprintf(out, "shard:     %s\n", shard)
			}
			fmt.Fprintf(out, "compress:  %t\n", g.Compress)
			fmt.Fprintf(out, "log:       %s/%s\n", cfg.Log.Level, cfg.Log.Format)
			if cfg.Ops.Addr != "" {
				fmt.Fprintf(out, "ops:       %s\n", cfg.Ops.Addr)
			}
			return nil
		},
	}
}
