package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "veritas-orchestrator/1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Veritas multimodal verification orchestrator",
		Long: `Оркестратор мультимодальной верификации: принимает видео и аудио,
прогоняет их через challenge, face, voice, lipsync, vsr и fusion и пишет пруф.

Без подкоманды запускает HTTP-сервер (то же, что serve).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})
	rootCmd.AddCommand(newProofCmd(&configPath))

	return rootCmd
}
