package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/etherisc/esusfarm/internal/app"
	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/handler"
	"github.com/etherisc/esusfarm/internal/logger"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service (kafka consumer, jobs, metrics, grpc health)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Info("starting service",
				zap.String("service", opts.cfg.Service.Name),
				zap.String("env", opts.cfg.Service.Env),
				zap.Int("grpc_port", opts.cfg.Service.GRPCPort))

			application, err := app.NewApp(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			if err := application.Run(); err != nil {
				return err
			}

			logger.Info("service stopped")
			return nil
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync <kind> <id>",
		Short: "Sync one record and its dependencies to the chain",
		Long: `Sync one record and its dependencies to the chain.

kind is one of config, location, risk, person, policy.

Example:
  esusfarm-sync sync policy p0l1cyAAAAAA
  esusfarm-sync sync risk jxmbyupsh1rv --force`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandler(cmd.Context(), opts, func(ctx context.Context, h *handler.SyncHandler) (interface{}, error) {
				return h.EnsureSynced(ctx, args[0], args[1], force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "resubmit even if already synced")
	return cmd
}

func newEstimateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <policy-id>",
		Short: "Show the onchain policy view with its payout estimate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandler(cmd.Context(), opts, func(ctx context.Context, h *handler.SyncHandler) (interface{}, error) {
				return h.GetOnchainPolicy(ctx, args[0])
			})
		},
	}
}

func newPayoutFactorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "payout-factor <risk-id>",
		Short: "Write the final payout factor of a risk to the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandler(cmd.Context(), opts, func(ctx context.Context, h *handler.SyncHandler) (interface{}, error) {
				return h.UpdatePayoutFactor(ctx, args[0])
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var (
		history    bool
		onlyErrors bool
		runID      string
		page       int
		pageSize   int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile pending transactions past their deadline",
		Long: `Reconcile pending transactions past their deadline.

Landed transactions are adopted as sync markers, failed or replaced ones are
closed so the next sync resubmits. With --history, list earlier runs instead
(--errors keeps only runs that hit errors); --run-id prints a single run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandler(cmd.Context(), opts, func(ctx context.Context, h *handler.SyncHandler) (interface{}, error) {
				switch {
				case runID != "":
					return h.GetReconciliationRun(ctx, runID)
				case history || onlyErrors:
					return h.ListReconciliationRuns(ctx, page, pageSize, onlyErrors)
				}
				return h.TriggerReconciliation(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list recent runs instead of reconciling")
	cmd.Flags().BoolVar(&onlyErrors, "errors", false, "list only runs with errors (implies --history)")
	cmd.Flags().StringVar(&runID, "run-id", "", "print a single run by id")
	cmd.Flags().IntVar(&page, "page", 1, "history page")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "history page size")
	return cmd
}

func newWalletCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet <index>",
		Short: "Print the farmer wallet address for a derivation index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			mnemonic := opts.cfg.Wallet.FarmerMnemonic
			if mnemonic == "" {
				mnemonic = opts.cfg.Wallet.OperatorMnemonic
			}
			account, err := blockchain.DeriveAccount(mnemonic, index)
			if err != nil {
				return err
			}
			return printJSON(&handler.WalletResponse{Index: account.Index, Address: account.Address.Hex()})
		},
	}
}

// withHandler 装配应用 (不启动 Kafka 与定时任务) 后执行一次操作
func withHandler(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, h *handler.SyncHandler) (interface{}, error)) error {
	application, err := app.NewApp(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	out, err := fn(ctx, application.Handler())
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
