package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/openalpha/simexchange/api"
	"github.com/openalpha/simexchange/api/websocket"
	"github.com/openalpha/simexchange/config"
	"github.com/openalpha/simexchange/exchange/account"
	"github.com/openalpha/simexchange/exchange/clock"
	"github.com/openalpha/simexchange/exchange/core"
	"github.com/openalpha/simexchange/exchange/events"
	"github.com/openalpha/simexchange/metrics"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simexd",
		Short: "Simulated exchange daemon",
		Long:  "simexd runs a simulated cryptocurrency exchange: matching engine, account ledger, event bus and Binance-compatible REST/WS surfaces, in live or backtest time.",
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("simexd %s (%s)\n", version, commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := log.NewLogger(os.Stderr)

	clk := clock.New(logger)
	if cfg.Clock.Mode == "BACKTEST" {
		clk.SetMode(clock.Backtest)
		if cfg.Clock.StartTime > 0 {
			clk.SetVirtualTime(cfg.Clock.StartTime)
		}
		if cfg.Clock.Speed > 0 && cfg.Clock.Speed != 1.0 {
			clk.SetSpeed(cfg.Clock.Speed)
		}
	}

	bus, err := events.NewBus(logger, cfg.Bus.QueueCapacity, cfg.Bus.PoolSize)
	if err != nil {
		return err
	}
	accounts := account.NewManager(logger)
	symbols, err := cfg.SymbolTable()
	if err != nil {
		return err
	}
	ex := core.New(logger, clk, bus, accounts, symbols)

	hub := websocket.NewHub(logger, ex.Authenticate)
	go hub.Run()
	adapter := websocket.NewBusAdapter(logger, hub, ex, bus)
	adapter.Attach()
	bus.Start()

	server := api.NewServer(logger, ex, hub, &api.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		RecvWindow:       cfg.Server.RecvWindow,
		DisableRateLimit: cfg.Server.DisableRateLimit,
	})
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("REST server failed", "err", err)
		}
	}()

	// Mirror bus stats into the prometheus gauges.
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := bus.Stats()
				metrics.Default().UpdateBusStats(st.Published, st.Failed, st.QueueSize)
			case <-statsDone:
				return
			}
		}
	}()

	bus.Publish(events.New(events.EventSystemStart, events.PriorityCritical,
		"simexd", nil, clk.NowMS()))
	logger.Info("exchange up",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"mode", clk.Mode().String(), "symbols", len(cfg.Symbols))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	bus.Publish(events.New(events.EventSystemStop, events.PriorityCritical,
		"simexd", nil, clk.NowMS()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("REST shutdown failed", "err", err)
	}
	close(statsDone)
	adapter.Detach()
	hub.Close()
	bus.Stop()

	logger.Info("exchange stopped")
	return nil
}
