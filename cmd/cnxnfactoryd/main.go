// Command cnxnfactoryd runs the client-facing connection factory: the
// accept thread, selector threads, worker pool, expiry wheel, and
// expirer thread, fronted by a small cobra CLI.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smukkama/cnxnfactory/internal/factory"
	"github.com/smukkama/cnxnfactory/internal/protocol"
	"github.com/smukkama/cnxnfactory/internal/queue"
	"github.com/smukkama/cnxnfactory/pkg/config"
)

// kafkaEventSink publishes connection lifecycle events to the factory's
// Kafka lifecycle topic, keyed by remote address so a single peer's
// events land on one partition in order.
type kafkaEventSink struct {
	producer *queue.Producer
}

func (s *kafkaEventSink) Publish(ev *protocol.ConnectionEvent) {
	data, err := protocol.EncodeConnectionEvent(ev)
	if err != nil {
		log.Printf("cnxnfactoryd: encode event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.Publish(ctx, ev.RemoteAddr, data); err != nil {
		log.Printf("cnxnfactoryd: publish event: %v", err)
	}
}

func main() {
	root := &cobra.Command{
		Use:   "cnxnfactoryd",
		Short: "client-facing connection factory daemon",
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newServeCmd() *cobra.Command {
	var maxPerPeerOverride int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "configure, start, and run the factory until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(maxPerPeerOverride)
		},
	}
	cmd.Flags().IntVar(&maxPerPeerOverride, "max-per-peer", 0, "override max_client_cnxns from config")
	return cmd
}

func runServe(maxPerPeerOverride int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	maxPerPeer := cfg.Factory.MaxClientCnxns
	if maxPerPeerOverride > 0 {
		maxPerPeer = maxPerPeerOverride
	}

	for _, topic := range []string{cfg.Kafka.TopicEvents, cfg.Kafka.TopicAlarms} {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, 1); err != nil {
			log.Printf("cnxnfactoryd: create topic %s: %v", topic, err)
		}
	}

	producer := queue.NewProducerWithConfig(&queue.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.TopicEvents,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		Compression:  cfg.Kafka.Compression,
		Async:        cfg.Kafka.Async,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
		RequiredAcks: cfg.Kafka.RequiredAcks,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BatchBytes:   1048576,
	})
	defer producer.Close()

	f := factory.New(cfg.Factory, &kafkaEventSink{producer: producer})

	if err := f.Configure(cfg.Factory.ListenAddr, maxPerPeer, cfg.Factory.Secure); err != nil {
		return fmt.Errorf("configure factory: %w", err)
	}
	if err := f.Start(); err != nil {
		return fmt.Errorf("start factory: %w", err)
	}

	fmt.Printf("cnxnfactoryd: listening on %s (state=%s)\n", cfg.Factory.ListenAddr, f.State())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			fmt.Println("cnxnfactoryd: SIGHUP received, reloading listen address from config")
			reloaded, err := config.Load()
			if err != nil {
				log.Printf("cnxnfactoryd: reload config: %v", err)
				continue
			}
			if reloaded.Factory.ListenAddr == cfg.Factory.ListenAddr {
				fmt.Println("cnxnfactoryd: listen address unchanged, nothing to reconfigure")
				continue
			}
			if err := f.Reconfigure(reloaded.Factory.ListenAddr); err != nil {
				log.Printf("cnxnfactoryd: reconfigure: %v", err)
				continue
			}
			cfg.Factory.ListenAddr = reloaded.Factory.ListenAddr
			fmt.Printf("cnxnfactoryd: now listening on %s\n", cfg.Factory.ListenAddr)
			continue
		}
		break
	}

	fmt.Println("cnxnfactoryd: shutting down")
	f.Shutdown()
	fmt.Println("cnxnfactoryd: stopped")
	return nil
}
