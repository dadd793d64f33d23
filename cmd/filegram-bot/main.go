// filegram-bot wires the content core: store adapter, index engine,
// expiry workflow, session manager, link resolution, and the admin
// surface. The chat transport attaches from the outside; without one
// the in-memory transport serves development and tests.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filegram-io/filegram/core/admin"
	"github.com/filegram-io/filegram/core/expiry"
	"github.com/filegram-io/filegram/core/index"
	"github.com/filegram-io/filegram/core/infra/bus"
	"github.com/filegram-io/filegram/core/infra/config"
	"github.com/filegram-io/filegram/core/infra/logging"
	"github.com/filegram-io/filegram/core/infra/metrics"
	"github.com/filegram-io/filegram/core/infra/redisutil"
	"github.com/filegram-io/filegram/core/linkcodec"
	"github.com/filegram-io/filegram/core/media"
	"github.com/filegram-io/filegram/core/resolve"
	"github.com/filegram-io/filegram/core/session"
	"github.com/filegram-io/filegram/core/store"
	"github.com/filegram-io/filegram/core/users"
)

const component = "filegram-bot"

// resolveCommand is the payload frontends publish on fg.cmd.resolve.
type resolveCommand struct {
	Token    string `json:"token"`
	Consumer string `json:"consumer"`
}

func main() {
	cfg := config.Load()

	limits, err := config.LoadLimits(cfg.LimitsPath)
	if err != nil {
		logging.Warn(component, "limits config unavailable, using defaults", "path", cfg.LimitsPath, "error", err)
	}
	keys, err := config.LoadKeys(cfg.KeysPath)
	if err != nil {
		logging.Error(component, "signing keys required", "path", cfg.KeysPath, "error", err)
		os.Exit(1)
	}
	ring, err := linkcodec.NewKeyring(keys.Primary, keys.Keys)
	if err != nil {
		logging.Error(component, "invalid signing keys", "error", err)
		os.Exit(1)
	}
	codec := linkcodec.New(ring)

	m := metrics.NewProm("filegram")

	var events bus.Bus = bus.Noop{}
	if nb, err := bus.NewNatsBus(cfg.NatsURL); err != nil {
		logging.Warn(component, "NATS unavailable, events disabled", "url", cfg.NatsURL, "error", err)
	} else {
		events = nb
		defer nb.Close()
	}

	// The chat transport is an external collaborator. Until one is
	// attached, the in-memory transport backs the store.
	transport := store.NewInMemoryTransport()
	logging.Warn(component, "no chat transport configured, using in-memory transport")

	catalog, err := store.NewAdapter(cfg.RedisURL, cfg.StoreChannel, transport,
		store.WithEvents(events), store.WithMetrics(m))
	if err != nil {
		logging.Error(component, "store adapter init failed", "error", err)
		os.Exit(1)
	}
	defer catalog.Close()

	norm := index.NewNormalizer(limits.Index.MinTokenLength, limits.Index.ExtraStopwords)
	engine, err := index.NewEngine(cfg.RedisURL, norm,
		index.WithMetrics(m), index.WithSearchLimit(limits.Index.SearchLimit))
	if err != nil {
		logging.Error(component, "index engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	workflow, err := expiry.NewWorkflow(cfg.RedisURL, limits.ArtifactTTL(), limits.RequestWindow(),
		expiry.WithEvents(events), expiry.WithMetrics(m))
	if err != nil {
		logging.Error(component, "expiry workflow init failed", "error", err)
		os.Exit(1)
	}
	defer workflow.Close()

	userStore, err := users.NewStore(cfg.RedisURL)
	if err != nil {
		logging.Error(component, "user store init failed", "error", err)
		os.Exit(1)
	}
	defer userStore.Close()

	sessions, err := session.NewManager(catalog, media.NewFFmpeg(), cfg.TempDir,
		session.WithIdleTimeout(limits.IdleTimeout()),
		session.WithTransformTimeout(limits.TransformTimeout()),
		session.WithBusyPolicy(session.BusyPolicy(cfg.SessionBusyPolicy)),
		session.WithEvents(events),
		session.WithMetrics(m))
	if err != nil {
		logging.Error(component, "session manager init failed", "error", err)
		os.Exit(1)
	}

	resolver := resolve.New(codec, catalog, workflow, engine, userStore, resolve.WithMetrics(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// index new ingests and hand a share link back to the frontend
	if err := events.Subscribe(bus.SubjectContentIngested, "filegram-bot", func(_ string, data []byte) error {
		var env bus.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		var ev store.IngestEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		item, err := catalog.Get(ctx, ev.Reference)
		if err != nil {
			return err
		}
		if err := engine.Register(ctx, item); err != nil {
			return err
		}
		token, err := codec.EncodeSingle(ev.Reference)
		if err != nil {
			return err
		}
		m.IncTokensIssued("single")
		return events.Publish(bus.SubjectLinkIssued, map[string]any{
			"reference": ev.Reference,
			"token":     token,
		})
	}); err != nil {
		logging.Error(component, "ingest subscription failed", "error", err)
	}

	// inbound resolve commands from frontends
	if err := events.Subscribe(bus.SubjectCmdResolve, "filegram-bot", func(_ string, data []byte) error {
		var env bus.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		var cmd resolveCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return err
		}
		res, err := resolver.Resolve(ctx, cmd.Token, cmd.Consumer)
		if err != nil {
			logging.Warn(component, "resolve failed",
				"consumer", cmd.Consumer, "error", err, "message", resolve.UserMessage(err))
			return nil
		}
		logging.Info(component, "resolved token",
			"consumer", cmd.Consumer, "delivered", len(res.Delivered), "failed", len(res.Failed))
		return nil
	}); err != nil {
		logging.Error(component, "resolve subscription failed", "error", err)
	}

	go sessions.RunReaper(ctx, time.Minute)
	go runSweep(ctx, workflow, limits)

	healthClient, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		logging.Error(component, "health client init failed", "error", err)
		os.Exit(1)
	}
	defer healthClient.Close()

	adminSrv := admin.New(cfg.AdminAddr, events, admin.WithHealthCheck(func(ctx context.Context) error {
		return healthClient.Ping(ctx).Err()
	}))
	go func() {
		if err := adminSrv.Start(); err != nil {
			logging.Error(component, "admin server failed", "error", err)
			stop()
		}
	}()

	logging.Info(component, "started",
		"admin", cfg.AdminAddr, "store_channel", cfg.StoreChannel, "temp_dir", cfg.TempDir)
	<-ctx.Done()

	logging.Info(component, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(component, "admin shutdown failed", "error", err)
	}
	if _, err := sessions.SweepOrphans(); err != nil {
		logging.Warn(component, "final orphan sweep failed", "error", err)
	}
}

// runSweep periodically replaces expired artifacts' user-facing
// representation via the bus.
func runSweep(ctx context.Context, w *expiry.Workflow, limits *config.LimitsConfig) {
	interval := time.Duration(limits.Delivery.SweepIntervalSeconds) * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.Sweep(ctx, limits.Delivery.SweepBatch, nil)
			if err != nil {
				logging.Warn(component, "artifact sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Info(component, "artifact sweep", "expired", n)
			}
		}
	}
}
