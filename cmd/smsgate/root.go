package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/auth"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "smsgate",
	Short: "Inbound SMS reconciliation for the CRM",
	Long:  "Receives provider SMS webhooks, attributes senders to leads, deduplicates redeliveries and fans out notification events.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		auth.SetSecret(cfg.Auth.JWTSecret)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the config file")
}
