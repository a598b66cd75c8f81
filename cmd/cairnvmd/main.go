// Command cairnvmd bootstraps a single cairnvm node: the persistent store,
// the native token ledger, the execution core, and the indexer reactor that
// drives it from chain events. Global collaborators are wired once behind
// PersistentPreRunE, sync.Once guarded, in a single-binary shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cairnvm/engine"
	"cairnvm/numerics"
	"cairnvm/pkg/config"
	"cairnvm/reactor"
	"cairnvm/store"
	"cairnvm/token"
)

var (
	logger      = logrus.StandardLogger()
	cfg         *config.Config
	db          *store.Store
	ledger      *token.Ledger
	rt          *engine.Runtime
	initOnce    sync.Once
	initErr     error
	cfgFilePath string
)

func initNode(cmd *cobra.Command, _ []string) error {
	initOnce.Do(func() {
		loaded, err := config.LoadFromEnv()
		if err != nil {
			initErr = fmt.Errorf("load config: %w", err)
			return
		}
		cfg = loaded

		lvl, lerr := logrus.ParseLevel(cfg.Logging.Level)
		if lerr != nil {
			lvl = logrus.InfoLevel
		}
		logger.SetLevel(lvl)

		ratio, rerr := numerics.DecFromString(cfg.Runtime.GasToTokenRatio)
		if rerr != nil {
			initErr = fmt.Errorf("parse gas_to_token_ratio %q: %w", cfg.Runtime.GasToTokenRatio, rerr)
			return
		}

		st, serr := store.Open(context.Background(), cfg.Store.DSN)
		if serr != nil {
			initErr = fmt.Errorf("open store: %w", serr)
			return
		}
		db = st

		ledger = token.New()

		rtCfg := engine.Config{
			FuelPerGas:      cfg.Runtime.FuelPerGas,
			GasToTokenRatio: ratio,
			FuelForNonProcs: cfg.Runtime.FuelForNonProcs,
			DefaultGasLimit: cfg.Runtime.DefaultGasLimit,
		}
		rt = engine.NewRuntime(rtCfg, db, ledger)

		if cfg.Reactor.GenesisFile != "" {
			g, gerr := reactor.LoadGenesis(cfg.Reactor.GenesisFile)
			if gerr != nil {
				initErr = gerr
				return
			}
			if aerr := reactor.ApplyGenesis(rt, g); aerr != nil {
				initErr = aerr
				return
			}
			logger.WithField("file", cfg.Reactor.GenesisFile).Info("genesis allocations applied")
		}
	})
	return initErr
}

func main() {
	root := &cobra.Command{
		Use:               "cairnvmd",
		Short:             "cairnvm node: execution core + indexer reactor",
		PersistentPreRunE: initNode,
	}
	// --config is accepted for operator familiarity but config selection
	// actually follows CAIRNVM_ENV (see pkg/config.LoadFromEnv), this
	// node's viper-driven env-file convention.
	root.PersistentFlags().StringVar(&cfgFilePath, "config", "", "informational; set CAIRNVM_ENV instead")

	root.AddCommand(serveCmd())
	root.AddCommand(issueCmd())
	root.AddCommand(publishCmd())
	root.AddCommand(executeCmd())

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("cairnvmd exited with error")
		os.Exit(1)
	}
}

// serveCmd runs the reactor's ingestion loop against the configured chain
// follower until interrupted. A concrete Bitcoin P2P/ZMQ ChainFollower is
// explicitly out of scope; this binary ships only the
// idleFollower placeholder, which seeks once and then blocks, so the wiring
// below is exercised end to end while the real follower is expected to be
// supplied by an embedding program via reactor.New.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the indexer reactor against the configured chain follower",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			r := reactor.New(rt, db, &idleFollower{})
			r.Start(ctx)
			logger.Info("cairnvmd serving, press ctrl-c to stop")
			<-ctx.Done()
			r.Stop()
			return nil
		},
	}
}

// issueCmd mints native token supply to an account, for standing up a test
// network's initial balances.
func issueCmd() *cobra.Command {
	var account int64
	var amount string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "mint native token supply into an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, err := numerics.DecFromString(amount)
			if err != nil {
				return fmt.Errorf("parse amount %q: %w", amount, err)
			}
			rt.IssueTokens(token.Account(account), dec)
			logger.WithFields(logrus.Fields{"account": account, "amount": amount}).Info("issued")
			return nil
		},
	}
	cmd.Flags().Int64Var(&account, "account", 0, "target account alias")
	cmd.Flags().StringVar(&amount, "amount", "0", "decimal amount to mint")
	return cmd
}

// publishCmd publishes a contract from a local compiled component file as
// Nobody at the --height/--tx-index position (inserting placeholder blocks up
// to that height if the store lacks them), driving the same Publish path the
// reactor uses (useful for local testing without a running follower).
func publishCmd() *cobra.Command {
	var name, file string
	var height, txIndex uint64
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish a compiled component file under name@height:tx_index",
		RunE: func(cmd *cobra.Command, args []string) error {
			bytes, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read component file: %w", err)
			}
			if err := ensureBlocksThrough(context.Background(), height); err != nil {
				return err
			}
			rt.SetContext(height, txIndex, 0, 0, nil, engine.OutPoint{}, nil)
			addr, err := rt.Publish(context.Background(), engine.Nobody{}, name, bytes)
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "contract name")
	cmd.Flags().StringVar(&file, "file", "", "path to compiled component bytes")
	cmd.Flags().Uint64Var(&height, "height", 0, "publish height")
	cmd.Flags().Uint64Var(&txIndex, "tx-index", 0, "publish tx index")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("file")
	return cmd
}

// executeCmd runs a single expression against a published contract as
// Nobody, printing the rendered result.
func executeCmd() *cobra.Command {
	var name, expression string
	var height, txIndex uint64
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "evaluate an expression against a published contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := engine.ContractAddress{Name: name, Height: height, TxIndex: txIndex}
			rt.SetContext(height, txIndex, 0, 0, nil, engine.OutPoint{}, nil)
			result, err := rt.Execute(context.Background(), engine.Nobody{}, addr, expression)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "target contract name")
	cmd.Flags().StringVar(&expression, "expr", "", "call expression, e.g. transfer(\"alice\", 5)")
	cmd.Flags().Uint64Var(&height, "height", 0, "target contract's publish height")
	cmd.Flags().Uint64Var(&txIndex, "tx-index", 0, "target contract's publish tx index")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("expr")
	return cmd
}

// ensureBlocksThrough inserts placeholder block rows up to and including
// height if the store doesn't already have them, so the `publish`/`execute`
// convenience commands can target a height without a running reactor first
// having ingested it. Real ingestion always goes through reactor.handleBlockConnected
// instead; this exists only for this CLI's standalone testing path, since
// contracts.height carries a foreign key into blocks(height).
func ensureBlocksThrough(ctx context.Context, height uint64) error {
	last, ok, err := db.LastHeight(ctx)
	if err != nil {
		return fmt.Errorf("read last height: %w", err)
	}
	start := uint64(0)
	if ok {
		start = last + 1
	}
	for h := start; h <= height; h++ {
		hash := []byte(fmt.Sprintf("cli-placeholder-%d", h))
		prev := []byte{}
		if h > 0 {
			prev = []byte(fmt.Sprintf("cli-placeholder-%d", h-1))
		}
		if err := db.InsertBlock(ctx, h, hash, prev); err != nil {
			return fmt.Errorf("insert placeholder block %d: %w", h, err)
		}
	}
	return nil
}

// idleFollower is a placeholder ChainFollower that seeks once and then never
// produces another event, letting `serve` exercise the reactor's full
// startup path without a real Bitcoin P2P/ZMQ connection.
type idleFollower struct{}

func (idleFollower) Seek(ctx context.Context, fromHeight uint64, lastHash []byte) (<-chan reactor.ChainEvent, error) {
	ch := make(chan reactor.ChainEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
