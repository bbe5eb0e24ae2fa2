package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/storyteller/internal/app"
	"github.com/suPer8Hu/storyteller/internal/config"
	"github.com/suPer8Hu/storyteller/internal/jobs"
	"github.com/suPer8Hu/storyteller/internal/logger"
	"github.com/suPer8Hu/storyteller/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init app", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	var wg sync.WaitGroup

	// stale and orphaned jobs are picked up by the sweep regardless of mode
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep(ctx, a.Proc, cfg, log.Named("sweep"))
	}()

	if cfg.TriggerMode == "rabbitmq" {
		if err := consume(ctx, a.Proc, cfg, log.Named("consumer")); err != nil {
			log.Error("consumer stopped", zap.Error(err))
			stop()
		}
	}

	<-ctx.Done()
	log.Info("worker shutting down")
	wg.Wait()
}

func sweep(ctx context.Context, proc *jobs.Processor, cfg config.Config, log *zap.Logger) {
	interval := cfg.WorkerSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("sweep started", zap.Duration("interval", interval), zap.Int("max_jobs", cfg.WorkerMaxJobs))
	for {
		res := proc.ProcessBatch(ctx, cfg.WorkerMaxJobs, "")
		if res.Processed > 0 || len(res.Errors) > 0 {
			log.Info("sweep batch",
				zap.Int("processed", res.Processed),
				zap.Int("completed", res.Completed),
				zap.Int("failed", res.Failed),
				zap.Int("skipped", res.Skipped),
				zap.Strings("errors", res.Errors),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// consume runs a bounded pool over trigger messages until ctx ends. Every
// message becomes one single-story batch.
func consume(ctx context.Context, proc *jobs.Processor, cfg config.Config, log *zap.Logger) error {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		return err
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Info("consumer started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	deliveries := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range deliveries {
				handle(ctx, proc, cfg.TriggerTimeout, wlog, d)
			}
		}(i)
	}

	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			deliveries <- d
		}
	}
}

func handle(ctx context.Context, proc *jobs.Processor, timeout time.Duration, log *zap.Logger, d amqp.Delivery) {
	m, err := rabbitmq.DecodeStoryMessage(d.Body)
	if err != nil {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := proc.ProcessBatch(jctx, 1, m.StoryID)
	log.Info("story batch",
		zap.String("story_id", m.StoryID),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)),
	)

	// job state lives in the database; a failed claim is retried by the sweep
	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.String("story_id", m.StoryID), zap.Error(err))
	}
}
