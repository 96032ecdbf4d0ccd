package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loopdesk/loopdesk/internal/breaker"
	"github.com/loopdesk/loopdesk/internal/compliance"
	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/governance"
	"github.com/loopdesk/loopdesk/internal/graph"
	"github.com/loopdesk/loopdesk/internal/hitl"
	"github.com/loopdesk/loopdesk/internal/ingest"
	"github.com/loopdesk/loopdesk/internal/playbook"
	"github.com/loopdesk/loopdesk/internal/store"
	"github.com/loopdesk/loopdesk/internal/stream"
	"github.com/loopdesk/loopdesk/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval queue, sweeper, graph builder, and ingest bridge",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("🌐 LoopDesk Serve")
	config.LoadEnvFileCandidates()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

// App holds the wired runtime. The CLI builds one per process; tests build
// one per case with a throwaway database.
type App struct {
	cfg      *config.Config
	store    *store.Store
	Tenants  *tenant.Registry
	Metrics  *governance.Metrics
	Stream   *stream.Stream
	Feedback *feedback.Loop
	Queue    *hitl.Queue
	Sweeper  *hitl.Sweeper
	Builder  *graph.Builder
	Graph    graph.Store
	Playbook *playbook.Engine
	Purger   *compliance.Purger
	View     *governance.View
	bridge   *ingest.Bridge
	consumer ingest.Consumer
}

func newEventStore(cfg *config.Config, db *sql.DB) (stream.Store, error) {
	switch cfg.Stream.Mode {
	case config.ModeSQLite, "":
		return stream.NewSQLiteStore(db), nil
	case config.ModeMemory:
		slog.Warn("activity stream running in memory mode, events are lost on restart",
			"capacity", cfg.Stream.RingCapacity)
		return stream.NewRingStore(cfg.Stream.RingCapacity), nil
	default:
		return nil, fmt.Errorf("unknown stream mode %q", cfg.Stream.Mode)
	}
}

func newGraphStore(cfg *config.Config, db *sql.DB) (graph.Store, error) {
	switch cfg.Graph.Mode {
	case config.ModeSQLite, "":
		return graph.NewSQLiteStore(db), nil
	case config.ModeMemory:
		slog.Warn("activity graph running in memory mode, the projection is lost on restart")
		return graph.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown graph mode %q", cfg.Graph.Mode)
	}
}

func buildApp(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db := st.DB()

	metrics := governance.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		st.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	tenants := tenant.NewRegistry(db)

	streamOpts := []stream.Option{
		stream.WithMetrics(metrics),
		stream.WithPollInterval(cfg.Stream.PollInterval),
	}
	if cfg.Stream.MirrorBrokers != "" {
		mirrorBreaker := breaker.New("kafka-mirror", cfg.Breaker)
		streamOpts = append(streamOpts,
			stream.WithMirror(stream.NewMirror(cfg.Stream.MirrorBrokers, cfg.Stream.MirrorTopic, mirrorBreaker)))
	}
	eventStore, err := newEventStore(cfg, db)
	if err != nil {
		st.Close()
		return nil, err
	}
	activity := stream.New(eventStore, streamOpts...)

	var vectors feedback.VectorStore
	if cfg.Feedback.QdrantURL != "" {
		vectors = feedback.NewQdrantStore(cfg.Feedback.QdrantURL, cfg.Feedback.Dimension)
	} else {
		vectors = feedback.NewSQLiteVecStore(db)
	}
	vectorBreaker := breaker.New("vector-store", cfg.Breaker)
	embedder := feedback.NewHashEmbedder(cfg.Feedback.Dimension)
	loop := feedback.NewLoop(cfg.Feedback, vectors, embedder, vectorBreaker, metrics)

	queue := hitl.NewQueue(db, cfg.Queue.SLA, tenants, activity, loop, metrics)
	strategy := hitl.StrategyByName(cfg.Queue.Strategy, db)
	escalation := hitl.NewEscalationEngine(db, queue, strategy, nil, nil)
	sweeper := hitl.NewSweeper(queue, escalation, tenants, loop, cfg.Queue.SweepInterval)

	graphStore, err := newGraphStore(cfg, db)
	if err != nil {
		st.Close()
		return nil, err
	}
	builder := graph.NewBuilder(graphStore, activity)

	app := &App{
		cfg:      cfg,
		store:    st,
		Tenants:  tenants,
		Metrics:  metrics,
		Stream:   activity,
		Feedback: loop,
		Queue:    queue,
		Sweeper:  sweeper,
		Builder:  builder,
		Graph:    graphStore,
		Playbook: playbook.NewEngine(db, graphStore, activity, metrics, cfg.Playbook),
		Purger:   compliance.NewPurger(loop, graphStore, activity),
		View:     governance.NewView(db),
	}
	if cfg.Ingest.Brokers != "" {
		app.consumer = ingest.NewKafkaConsumer(cfg.Ingest.Brokers, cfg.Ingest.ConsumerGroup, cfg.Ingest.Topics)
		app.bridge = ingest.NewBridge(app.consumer, activity, tenants, metrics)
	}
	return app, nil
}

// Run starts all background loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.Sweeper.Run(ctx)

	tenants, err := a.Tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, t := range tenants {
		tc := tenant.Context{TenantID: t.TenantID, Tier: t.Tier, NamespacePrefix: t.NamespacePrefix}
		go a.Builder.Run(ctx, tc)
	}

	go a.extractLoop(ctx)

	if a.bridge != nil {
		go func() {
			if err := a.bridge.Run(ctx); err != nil {
				slog.Error("ingest bridge exited", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.Governance.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	a.Feedback.Flush(shutdownCtx)
	return nil
}

// extractLoop periodically re-mines playbooks for every tenant. Extraction
// is idempotent, so the cadence only affects freshness.
func (a *App) extractLoop(ctx context.Context) {
	interval := 10 * a.cfg.Queue.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := a.Tenants.List(ctx)
			if err != nil {
				slog.Error("extract: list tenants", "error", err)
				continue
			}
			for _, t := range tenants {
				tc := tenant.Context{TenantID: t.TenantID, Tier: t.Tier, NamespacePrefix: t.NamespacePrefix}
				if n, err := a.Playbook.Extract(ctx, tc); err != nil {
					slog.Error("extract failed", "tenant", t.TenantID, "error", err)
				} else if n > 0 {
					slog.Info("playbooks updated", "tenant", t.TenantID, "count", n)
				}
			}
		}
	}
}

// Close releases the database and any consumer resources.
func (a *App) Close() {
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	_ = a.store.Close()
}
