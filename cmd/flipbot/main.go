package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/flipper/internal/bot"
	"github.com/whisper/flipper/internal/config"
	"github.com/whisper/flipper/internal/flip"
	"github.com/whisper/flipper/internal/messaging"
	"github.com/whisper/flipper/internal/notify"
	"github.com/whisper/flipper/internal/overlay"
	"github.com/whisper/flipper/internal/ratelimit"
	"github.com/whisper/flipper/internal/transport"
)

func main() {
	log.Println("Starting flipper...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// --- Chat transport ---
	client := transport.New(transport.Config{
		URL:          cfg.ChatURL,
		SendBurst:    cfg.SendBurst,
		SendInterval: cfg.SendInterval,
		QueueSize:    cfg.SendQueueSize,
	})
	var identity *transport.Identity
	if !cfg.Anonymous() {
		identity = &transport.Identity{Name: cfg.BotUsername, Secret: cfg.BotOAuthToken}
	}

	// --- Engine ---
	clock := clockwork.NewRealClock()
	notifier := notify.New(client)
	engine := flip.NewEngine(clock, flip.NewResolver(), notifier, cfg.FlipTimeout)
	engine.Start()

	// --- Overlay ---
	overlayConfig := overlay.DefaultServerConfig()
	overlayConfig.ListenAddr = cfg.OverlayAddr
	overlayConfig.Channel = cfg.Channel
	overlayServer := overlay.NewServer(overlayConfig, func() overlay.Status {
		_, active := engine.Active()
		return overlay.Status{Chat: client.State().String(), ActiveFlip: active}
	})

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	var events *messaging.FlipEvents
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		events = messaging.NewFlipEvents(natsClient, cfg.Channel)
	}

	// --- Redis command limiter (optional) ---
	var rdb *redis.Client
	var limiter bot.CommandLimiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so an unreachable Redis is not fatal.
			log.Printf("redis ping failed, command limiting will fail open: %v", err)
		}
		cancel()
		rule := ratelimit.Rule{Key: ratelimit.RuleCommand.Key, Limit: cfg.CommandLimit, Window: cfg.CommandWindow}
		limiter = ratelimit.NewCommandGate(ratelimit.NewLimiter(rdb), cfg.Channel, rule)
	}

	// --- Presentation hooks ---
	notifier.OnFlip(func(o flip.Outcome) {
		overlayServer.PublishFlip(o)
		if events != nil {
			logPublish(events.PublishOutcome(o))
		}
	})
	notifier.OnEvent(func(ev notify.Event) {
		switch ev.Kind {
		case notify.EventOpened:
			overlayServer.PublishOpened(ev.Creator, ev.Wager)
			if events != nil {
				logPublish(events.PublishOpened(ev.Creator, ev.Wager))
			}
		case notify.EventExpired:
			overlayServer.PublishExpired(ev.Wager)
			if events != nil {
				logPublish(events.PublishExpired(ev.Wager))
			}
		}
	})

	client.OnMessage(bot.New(engine, limiter).HandleLine)

	log.Printf("flipper configured")
	log.Printf("  channel:      #%s", cfg.Channel)
	log.Printf("  anonymous:    %v", cfg.Anonymous())
	log.Printf("  flip_timeout: %s", cfg.FlipTimeout)
	log.Printf("  overlay_addr: %s", cfg.OverlayAddr)
	log.Printf("  redis_addr:   %q", cfg.RedisAddr)
	log.Printf("  nats_url:     %q", cfg.NATSURL)

	// --- Run ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := &supervisor{
		conn:      client,
		clock:     clock,
		channel:   cfg.Channel,
		identity:  identity,
		reconnect: cfg.Reconnect,
		wait:      cfg.ReconnectWait,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(overlayServer.Start)
	g.Go(func() error { return sup.run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := overlayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Printf("overlay shutdown error: %v", err)
		}
		_ = client.Close()

		stats := engine.Stats()
		log.Printf("flips: started=%d matched=%d expired=%d rejected=%d",
			stats.Started, stats.Matched, stats.Expired, stats.Rejected)
		engine.Stop()
		notifier.Close()
		return nil
	})

	err = g.Wait()

	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		rdb.Close()
	}

	if err != nil {
		log.Printf("flipper exited with error: %v", err)
		os.Exit(1)
	}
	log.Println("flipper stopped")
}

func logPublish(err error) {
	if err != nil {
		log.Printf("[nats] %v", err)
	}
}
