package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/observer"
	"github.com/loomhq/loom/rpc"
	"github.com/loomhq/loom/store/postgres"
	"github.com/loomhq/loom/store/sqlite"
	"github.com/loomhq/loom/tools/fetch"
	"github.com/loomhq/loom/tools/transform"
)

func main() {
	cfg := config.Load(os.Getenv("LOOM_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	registry := loom.NewRegistry()
	if err := registry.LoadBundled(); err != nil {
		log.Fatal(err)
	}
	registry.Bind("http_fetch", fetch.New().Handle)
	registry.Bind("extract_field", transform.ExtractField)
	registry.Bind("format_text", transform.FormatText)
	registry.LogUnbound()

	var execOpts []loom.ExecutorOption
	if cfg.Executor.MaxRetries > 0 {
		policy := loom.DefaultRetryPolicy()
		policy.MaxRetries = cfg.Executor.MaxRetries
		execOpts = append(execOpts, loom.WithRetryPolicy(policy))
	}
	var rpcOpts []rpc.Option
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		metrics := observer.NewMetrics(inst)
		execOpts = append(execOpts,
			loom.WithTracer(observer.NewTracer()),
			loom.WithMetrics(metrics),
		)
		rpcOpts = append(rpcOpts, rpc.WithMetrics(metrics))
	}

	executor := loom.NewExecutor(store, registry, execOpts...)

	var pollerOpts []loom.RSSOption
	if cfg.RSS.SeenCap > 0 {
		pollerOpts = append(pollerOpts, loom.WithSeenCap(cfg.RSS.SeenCap))
	}
	poller := loom.NewRSSPoller(store, executor, pollerOpts...)
	scheduler := loom.NewScheduler(store, executor, poller)
	webhook := loom.NewWebhookIntake(store, executor, cfg.Webhook.Secret)
	discovery := rpc.New("loom", "1.0.0", registry, store, rpcOpts...)

	server := loom.NewServer(store, registry, executor, scheduler, webhook,
		loom.WithAddr(cfg.Server.Addr),
		loom.WithWebhookPath(cfg.Server.WebhookPath),
		loom.WithRPCPath(cfg.Server.RPCPath),
		loom.WithRPC(discovery),
	)

	if err := server.Run(ctx); err != nil {
		log.Fatal(err)
	}
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (loom.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	default:
		s := sqlite.New(cfg.Path)
		return s, func() { _ = s.Close() }, nil
	}
}
