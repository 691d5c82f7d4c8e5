package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/approval"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/ingest"
	"github.com/parleyhq/parley/internal/kafkafeed"
	"github.com/parleyhq/parley/internal/lease"
	"github.com/parleyhq/parley/internal/maintenance"
	"github.com/parleyhq/parley/internal/outbound"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/router"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/worker"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the assistant gateway (channels, workers, senders)",
	Run:   runGateway,
}

func processorID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "parley"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("Parley Gateway")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0700); err != nil {
		fmt.Printf("Data dir error: %v\n", err)
		os.Exit(1)
	}

	// One gateway per data directory.
	lock := maintenance.NewFileLock(cfg.Paths.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		fmt.Printf("Lock error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Printf("Another gateway already runs against %s\n", cfg.Paths.DataDir)
		os.Exit(1)
	}
	defer lock.Unlock()

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Printf("Store error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	proc := processorID()
	slog.Info("Gateway starting", "processor", proc, "data_dir", cfg.Paths.DataDir)

	jobQueue := queue.New(s, queue.Options{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		LockDuration:      cfg.Queue.LockDuration,
		LegacyStaleWindow: cfg.Queue.LegacyStaleWindow,
	})
	outQueue := outbound.New(s, outbound.Options{
		MaxAttempts:  cfg.Outbound.MaxAttempts,
		LockDuration: cfg.Outbound.LockDuration,
	})
	approvals := approval.NewManager(s, cfg.Approvals.TTL)
	modelRouter := router.New(cfg.Router)
	msgBus := bus.NewMessageBus()
	coordinator := lease.NewCoordinator(s, lease.Options{
		TTL:               cfg.Lease.TTL,
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		ContentionBackoff: cfg.Lease.ContentionBackoff,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Channels: each enabled adapter gets its inbound loop plus an
	// outbound sender. Session-backed channels additionally run under
	// an account lease so only one process speaks for the account.
	for _, ch := range enabledChannels(cfg, msgBus, s) {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Channel stopped", "channel", ch.Name(), "error", err)
			}
		}()

		var gate outbound.Gate
		if ch.AccountID() != "" {
			runner := lease.NewRunner(coordinator, ch.AccountID(), proc)
			gate = runner
			go func() { _ = runner.Run(ctx) }()
		}
		sender := outbound.NewSender(outQueue, ch, gate, ch.Name(), ch.AccountID(), proc, outbound.SenderOptions{
			ClaimBackoff:      cfg.Outbound.ClaimBackoff,
			HeartbeatInterval: cfg.Outbound.HeartbeatInterval,
		})
		go func() { _ = sender.Run(ctx) }()
	}

	if cfg.Kafka.Enabled {
		consumer := kafkafeed.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup)
		relay := kafkafeed.NewRelay(consumer, msgBus)
		go func() { _ = relay.Run(ctx) }()
	}

	ingestor := ingest.New(s, jobQueue, approvals, msgBus)
	go func() { _ = ingestor.Run(ctx) }()

	w := worker.New(cfg, s, jobQueue, outQueue, approvals, modelRouter, worker.NewRegistry(), worker.Options{
		ProcessorID:  proc,
		ClaimBackoff: cfg.Queue.ClaimBackoff,
		ErrorBackoff: cfg.Queue.ErrorBackoff,
	})
	go func() { _ = w.Run(ctx) }()

	sweeper := maintenance.NewSweeper()
	if err := sweeper.Register("stale-jobs", cfg.Maintenance.StaleJobSweep, func() (int64, error) {
		n, err := jobQueue.SweepStale()
		return int64(n), err
	}); err != nil {
		slog.Error("Sweep registration failed", "error", err)
	}
	if err := sweeper.Register("approval-expiry", cfg.Maintenance.ApprovalExpirySweep, approvals.ExpireStale); err != nil {
		slog.Error("Sweep registration failed", "error", err)
	}
	go func() { _ = sweeper.Run(ctx) }()

	fmt.Println("Gateway running. Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("Shutting down...")
}

func enabledChannels(cfg *config.Config, msgBus *bus.MessageBus, s *store.Store) []channels.Channel {
	var list []channels.Channel
	if cfg.Channels.Telegram.Enabled {
		list = append(list, channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus))
	}
	if cfg.Channels.WhatsApp.Enabled {
		list = append(list, channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, cfg.Paths.DataDir, msgBus))
	}
	if cfg.Channels.Slack.Enabled {
		list = append(list, channels.NewSlackChannel(cfg.Channels.Slack, msgBus))
	}
	if cfg.Channels.Web.Enabled {
		list = append(list, channels.NewWebChannel(cfg.Channels.Web, msgBus, s))
	}
	return list
}
