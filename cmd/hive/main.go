// Command hive runs the multi-agent orchestration engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/hive/internal/config"
	"github.com/haasonsaas/hive/internal/engine"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "hive",
		Short:        "Multi-agent orchestration over signed events",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "hive.yaml", "path to the engine config file")

	root.AddCommand(runCmd(), keygenCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := engine.New(ctx, cfg)
			if err != nil {
				return err
			}
			return rt.Run(ctx)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing keypair for an agent",
		RunE: func(_ *cobra.Command, _ []string) error {
			sk := nostr.GeneratePrivateKey()
			pk, err := nostr.GetPublicKey(sk)
			if err != nil {
				return err
			}
			nsec, err := nip19.EncodePrivateKey(sk)
			if err != nil {
				return err
			}
			npub, err := nip19.EncodePublicKey(pk)
			if err != nil {
				return err
			}
			fmt.Printf("private (hex):  %s\n", sk)
			fmt.Printf("private (nsec): %s\n", nsec)
			fmt.Printf("public (hex):   %s\n", pk)
			fmt.Printf("public (npub):  %s\n", npub)
			return nil
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok\n")
			fmt.Printf("  relays:      %v\n", cfg.Relays)
			fmt.Printf("  home base:   %s\n", cfg.HomeBasePath)
			fmt.Printf("  agents dir:  %s\n", cfg.AgentsDir)
			fmt.Printf("  database:    %s\n", cfg.DatabasePath)
			fmt.Printf("  llm configs: %d\n", len(cfg.LLM.Defaults))
			if cfg.Metrics.Enabled {
				fmt.Printf("  metrics:     %s\n", cfg.Metrics.Listen)
			}
			return nil
		},
	}
}
