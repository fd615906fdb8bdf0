package app

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/gatelink/internal/config"
	"github.com/shaunagostinho/gatelink/internal/events"
	"github.com/shaunagostinho/gatelink/internal/journal"
	"github.com/shaunagostinho/gatelink/internal/link"
	"github.com/shaunagostinho/gatelink/internal/log"
	"github.com/shaunagostinho/gatelink/internal/metrics"
	"github.com/shaunagostinho/gatelink/internal/server"
	"github.com/shaunagostinho/gatelink/internal/simulator"
	"github.com/shaunagostinho/gatelink/web"
)

func newServeCommand(ctx context.Context, o *rootOptions) *cobra.Command {
	var (
		demo   bool
		listen string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate link with the HTTP dashboard and event bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			if demo {
				cfg.Demo.Enabled = true
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "Run against the built-in gate controller simulator.")
	cmd.Flags().StringVar(&listen, "listen", "", "Override listen address (e.g. :8080).")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.WithName("main")
	logger.Info("gatelink starting", "config", cfg.Path(), "demo", cfg.Demo.Enabled)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lk := link.New(cfg.Link(), linkOptions(cfg, link.WithMetrics(metrics.New(reg)))...)

	jr := journal.New(journal.Config{
		Enabled: cfg.Journal.Enabled,
		Path:    cfg.Journal.Path,
		MaxRows: cfg.Journal.MaxRows,
	})
	lk.Subscribe(jr.Handle)

	pub, err := newPublisher(ctx, cfg.Events)
	if err != nil {
		lk.Close()
		jr.Close()
		return err
	}
	bridge := events.NewBridge(pub, cfg.Events.TopicPrefix)
	lk.Subscribe(bridge.Handle)

	srv := server.New(cfg.Server.ListenAddr, lk, cfg, web.FS, reg)

	// The dashboard comes up even when the controller is not there yet; the
	// watchdog keeps retrying.
	if err := lk.Start(); err != nil {
		logger.Warn("gate controller not reachable, retrying in background", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return lk.Close()
	})
	err = g.Wait()

	jr.Close()
	if cerr := pub.Close(); cerr != nil {
		logger.Warn("closing event publisher failed", "error", cerr)
	}
	logger.Info("gatelink stopped")
	return err
}

// linkOptions adds the simulator opener in demo mode.
func linkOptions(cfg *config.Config, opts ...link.Option) []link.Option {
	if cfg.Demo.Enabled {
		sim := simulator.New(cfg.Simulator(), simulator.WithLogger(log.WithName("simulator")))
		opts = append(opts, link.WithOpener(sim.Open))
	}
	return opts
}

func newPublisher(ctx context.Context, ec config.EventsConfig) (events.Publisher, error) {
	switch ec.Backend {
	case events.BackendNATS:
		p, err := events.NewNATSPublisher(ec.URL, nats.Name(ec.ClientID), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return p, nil
	case events.BackendMQTT:
		p, err := events.NewMQTTPublisher(ctx, events.MQTTConfig{
			BrokerURL: ec.URL,
			ClientID:  ec.ClientID,
			QoS:       1,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to mqtt: %w", err)
		}
		return p, nil
	}
	return events.NoopPublisher{}, nil
}
