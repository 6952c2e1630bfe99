package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/config"
	"github.com/etherisc/esusfarm/internal/logger"
)

const serviceName = "esusfarm-sync"

// rootOptions 全局参数
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "esusfarm onchain sync engine",
		Long: `Synchronizes off-chain esusfarm records (seasons, locations, risks,
beneficiaries, policies) to the crop insurance product contracts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "config file path")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newEstimateCommand(opts))
	cmd.AddCommand(newPayoutFactorCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newWalletCommand(opts))

	return cmd
}

// load 加载配置并初始化日志
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := logger.Init(&cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	o.cfg = cfg

	logger.Debug("config loaded",
		zap.String("config", o.configPath),
		zap.String("env", cfg.Service.Env),
		zap.Int64("chain_id", cfg.Blockchain.ChainID))
	return nil
}
