package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inngest/inngestgo"
	"github.com/inngest/pgtail/internal/load"
	"github.com/inngest/pgtail/pkg/config"
	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/inngest/pgtail/pkg/replicator/pgreplicator"
	"github.com/inngest/pgtail/pkg/replicator/pgreplicator/pgsetup"
	"github.com/inngest/pgtail/pkg/sink"
	"github.com/inngest/pgtail/pkg/tailer"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var stopTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	run := func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(v)
		if err != nil {
			return err
		}
		return runTail(cmd.Context(), cfg, logger)
	}

	root := &cobra.Command{
		Use:          "pgtail",
		Short:        "Tail a postgres logical replication slot into an audit log",
		SilenceUsage: true,
		RunE:         run,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Bind(v); err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("error reading config file: %w", err)
				}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a config file")
	flags.String("database-url", "", "postgres connection string (env DATABASE_URL)")
	flags.String("slot-name", "", "replication slot name")
	flags.String("publication", "", "publication name")
	flags.String("audit-table", "", "audit log table")
	flags.String("ack-mode", "", "acknowledgement mode: manual or auto")
	flags.Duration("retry-interval", 0, "interval between connection attempts")
	flags.String("metrics-addr", "", "address to serve prometheus metrics on, eg. :9090")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	for _, name := range []string{
		"database-url", "slot-name", "publication", "audit-table", "ack-mode",
		"retry-interval", "metrics-addr", "log-level", "log-format",
	} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Tail the replication slot until interrupted",
			Args:  cobra.NoArgs,
			RunE:  run,
		},
		&cobra.Command{
			Use:   "setup",
			Short: "Create the publication, replication slot and audit table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(v)
				if err != nil {
					return err
				}
				res, err := pgsetup.Setup(cmd.Context(), setupOpts(cfg))
				printResult(cmd, res)
				return err
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Check the database is ready for tailing",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(v)
				if err != nil {
					return err
				}
				opts := setupOpts(cfg)
				res, err := pgsetup.Check(cmd.Context(), opts)
				printResult(cmd, res)
				if err != nil {
					return err
				}
				return pgsetup.SlotChecker{AdminConfig: opts.AdminConfig}.CheckAvailability(cmd.Context(), cfg.SlotName)
			},
		},
		&cobra.Command{
			Use:   "teardown",
			Short: "Drop the replication slot and publication",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(v)
				if err != nil {
					return err
				}
				return pgsetup.Teardown(cmd.Context(), setupOpts(cfg))
			},
		},
		newLoadCommand(v),
	)
	return root
}

func newLoadCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Generate synthetic inserts, updates and deletes against the demo table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pg, _ := cfg.PGConfig()
			conn, err := pgx.ConnectConfig(ctx, pgsetup.AdminConfig(*pg))
			if err != nil {
				return err
			}
			defer conn.Close(context.Background())

			if create, _ := cmd.Flags().GetBool("create-table"); create {
				if _, err := conn.Exec(ctx, load.DemoTableDDL); err != nil {
					return fmt.Errorf("error creating demo table: %w", err)
				}
			}

			opts := load.Opts{Log: logger}
			opts.Max, _ = cmd.Flags().GetInt("max")
			opts.Interval, _ = cmd.Flags().GetDuration("interval")
			opts.Seed, _ = cmd.Flags().GetInt64("seed")

			res, err := load.Generate(ctx, conn, opts)
			logger.Info("load finished",
				"inserts", res.Inserts,
				"updates", res.Updates,
				"deletes", res.Deletes,
			)
			return err
		},
	}
	cmd.Flags().Int("max", 0, "number of operations to run, 0 runs until interrupted")
	cmd.Flags().Duration("interval", 500*time.Millisecond, "interval between operations")
	cmd.Flags().Int64("seed", load.DefaultSeed, "random seed")
	cmd.Flags().Bool("create-table", true, "create the demo table if it doesn't exist")
	return cmd
}

func loadConfig(v *viper.Viper) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setupOpts(cfg config.Config) pgsetup.SetupOpts {
	// Validated by loadConfig.
	pg, _ := cfg.PGConfig()
	return pgsetup.SetupOpts{
		AdminConfig: *pg,
		SlotName:    cfg.SlotName,
		Publication: cfg.Publication,
		AuditTable:  cfg.AuditTable,
		Tables:      cfg.Tables,
	}
}

func printResult(cmd *cobra.Command, res pgsetup.TestConnResult) {
	results := res.Results()
	for _, step := range res.Steps() {
		r := results[step]
		switch {
		case r.Complete:
			fmt.Fprintf(cmd.OutOrStdout(), "ok    %s\n", step)
		case r.Error != nil:
			fmt.Fprintf(cmd.OutOrStdout(), "fail  %s: %s\n", step, r.Error)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "skip  %s\n", step)
		}
	}
}

func runTail(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pg, _ := cfg.PGConfig()

	client := pgreplicator.New(pgreplicator.Opts{
		Config:         *pg,
		CreateSlot:     cfg.CreateSlot,
		StatusInterval: cfg.StatusInterval,
		Log:            logger,
	})

	var s sink.Sink = sink.NewPG(sink.PGOpts{
		Config: *pg,
		Table:  cfg.AuditTable,
		Log:    logger,
	})
	if cfg.InngestEventKey != "" {
		ic := inngestgo.NewClient(inngestgo.ClientOpts{EventKey: &cfg.InngestEventKey})
		s = sink.Multi(s, sink.NewEvents(ic, cfg.SlotName))
	}

	audit := cfg.AuditTable
	if !strings.Contains(audit, ".") {
		audit = "public." + audit
	}

	metrics := tailer.NewMetrics(cfg.SlotName)
	t, err := tailer.New(tailer.Opts{
		Client:       client,
		Slots:        pgsetup.SlotChecker{AdminConfig: *pg},
		Sink:         s,
		SlotName:     cfg.SlotName,
		Plugin:       replicator.PluginConfig{Publications: []string{cfg.Publication}},
		AckMode:      tailer.AckMode(cfg.AckMode),
		AckHoldLimit: cfg.AckHoldLimit,
		BackOff:      cfg.BackOff(),
		IgnoreTables: []string{audit},
		Metrics:      metrics,
		Log:          logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.Collectors()...)
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error serving metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// The tailer exiting for any reason stops the metrics server.
		defer cancel()

		startErr := t.Start(ctx)
		if errors.Is(startErr, context.Canceled) {
			startErr = nil
		}

		if startErr == nil {
			select {
			case <-ctx.Done():
			case <-t.Done():
			}
		}

		logger.Info("shutting down")
		stopCtx, done := context.WithTimeout(context.Background(), stopTimeout)
		defer done()
		return errors.Join(startErr, t.Err(), t.Stop(stopCtx))
	})

	return g.Wait()
}
