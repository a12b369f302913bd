package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/livequery/internal/bridge"
	"github.com/roach88/livequery/internal/config"
	"github.com/roach88/livequery/internal/engine"
	"github.com/roach88/livequery/internal/metrics"
	"github.com/roach88/livequery/internal/store"
	"github.com/roach88/livequery/internal/trigger"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Database    string
	Tables      []string
	Poll        time.Duration
	MetricsAddr string

	// Count stops the watch after this many deliveries. Zero watches until
	// interrupted.
	Count int

	// Ready, if set, is called once the poller is primed and the query is
	// subscribed (tests).
	Ready func()
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [flags] <sql> [args...]",
		Short: "Print a query's result every time its tables change",
		Long: `Run a query and print its result, then print it again whenever one
of the watched tables changes.

Changes are picked up from a change log that SQLite triggers fill, so
writes from any process are seen, including ones made outside livequery.

Example:
  livequery watch --db app.db --table employee 'SELECT name FROM employee'
  livequery watch --db app.db --table employee --table manager \
      --metrics-addr :9090 'SELECT COUNT(*) FROM manager WHERE manager_id = ?' 7`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyWatchConfig(cmd, opts, opts.config())
			return runWatch(cmd, opts, args[0], toArgs(args[1:]))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database")
	cmd.Flags().StringArrayVar(&opts.Tables, "table", nil, "table the query reads (repeatable)")
	cmd.Flags().DurationVar(&opts.Poll, "poll", bridge.DefaultPollInterval, "change log poll interval")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many results (0 = until interrupted)")

	return cmd
}

// applyWatchConfig fills flags the user did not set from the config file.
func applyWatchConfig(cmd *cobra.Command, opts *WatchOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("db") && cfg.Database.Path != "" {
		opts.Database = cfg.Database.Path
	}
	if !flags.Changed("table") && len(cfg.ChangeLog.Tables) > 0 {
		opts.Tables = cfg.ChangeLog.Tables
	}
	if !flags.Changed("poll") && cfg.ChangeLog.PollInterval > 0 {
		opts.Poll = cfg.ChangeLog.PollInterval
	}
	if !flags.Changed("metrics-addr") && cfg.Metrics.Addr != "" {
		opts.MetricsAddr = cfg.Metrics.Addr
	}
}

func toArgs(in []string) []any {
	out := make([]any, len(in))
	for i, a := range in {
		out[i] = a
	}
	return out
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, stmt string, args []any) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	if len(opts.Tables) == 0 {
		return NewExitError(ExitCommandError, "at least one --table is required")
	}
	logger := opts.logger()
	cfg := opts.config()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return WrapExitError(ExitCommandError, "register metrics", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	task := func(desc string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				return fmt.Errorf("%s: %w", desc, err)
			}
			return nil
		})
	}

	var sched engine.Scheduler = engine.GoScheduler{}
	if cfg.Delivery.Scheduler == config.SchedulerSerial {
		serial := engine.NewSerialScheduler(logger)
		sched = serial
		task("delivery worker", func() error { return serial.Run(gctx) })
	}

	st, err := store.Open(opts.Database,
		store.WithLogger(logger),
		store.WithScheduler(sched),
		store.WithMaxOwed(cfg.Delivery.MaxOwed),
		store.WithMaxOpenConns(cfg.Database.MaxOpenConns),
		store.WithMetrics(m),
	)
	if err != nil {
		cancel()
		_ = g.Wait()
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer st.Close()

	if err := bridge.InstallTriggers(ctx, st.DB(), opts.Tables...); err != nil {
		cancel()
		_ = g.Wait()
		return WrapExitError(ExitCommandError, "install change log triggers", err)
	}

	// Changes seen in the log are republished on the store's bus, where the
	// live query picks them up like any in-process write.
	changes := bridge.NewChangeLog(st.DB(), opts.Poll, logger)
	for _, table := range opts.Tables {
		set := trigger.FoldAll(table)
		unregister, err := changes.Register(table, func() { st.Feed().Publish(set) })
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "register change log watcher", err)
		}
		defer unregister()
	}
	if err := changes.Prime(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return WrapExitError(ExitCommandError, "read change log", err)
	}
	task("change log poller", func() error { return changes.Run(gctx) })

	if opts.MetricsAddr != "" {
		if err := serveMetrics(gctx, g, opts.MetricsAddr, reg); err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "serve metrics", err)
		}
		logger.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	failed := make(chan error, 1)
	delivered := 0
	consumer := engine.ConsumerFuncs{
		Next: func(b engine.Batch) error {
			cols, err := b.Rows.Columns()
			if err != nil {
				return err
			}
			rows, err := engine.ScanAll(b.Rows)
			if err != nil {
				return err
			}
			if err := out.Batch(BatchOutput{
				Seq:     b.Seq,
				Trigger: b.Trigger.String(),
				Columns: cols,
				Rows:    rows,
			}); err != nil {
				return err
			}
			delivered++
			if opts.Count > 0 && delivered >= opts.Count {
				cancel()
			}
			return nil
		},
		Error: func(err error) { failed <- err },
	}

	sub, err := st.CreateQuery(opts.Tables, stmt, args...).
		Subscribe(gctx, consumer, engine.WithInitialDemand(engine.Unbounded))
	if err != nil {
		cancel()
		_ = g.Wait()
		return WrapExitError(ExitCommandError, "subscribe", err)
	}
	defer sub.Cancel()
	logger.Debug("watching", "subscription", sub.ID(), "tables", opts.Tables, "statement", stmt)

	task("subscription", func() error {
		select {
		case err := <-failed:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if opts.Ready != nil {
		opts.Ready()
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "watch", err)
	}
	return nil
}

// serveMetrics binds addr and serves reg until ctx is done. Binding happens
// before it returns, so address errors are reported synchronously.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}
