package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	defaultGroupID  = "storefront-dlq-replay"
	defaultDuration = 30 * time.Second
)

type config struct {
	brokers     []string
	groupID     string
	sourceTopic string
	targetTopic string
	execute     bool
	duration    time.Duration
}

type replayConsumer interface {
	Start(ctx context.Context) error
	Stop() error
}

// newReplayConsumer собирает consumer group поверх Replayer; подменяется в тестах.
var newReplayConsumer = func(cfg config) (replayConsumer, *kafka.Replayer, func() error, error) {
	var (
		producer *kafka.Producer
		closeFn  = func() error { return nil }
	)
	if cfg.execute {
		p, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
		}
		producer = p
		closeFn = p.Close
	}
	replayer := kafka.NewReplayer(producer, cfg.targetTopic, log.WithField("component", "dlq-replayer"))

	consumer, err := kafka.NewConsumer(cfg.brokers, cfg.groupID, []string{cfg.sourceTopic}, replayer.Handle,
		kafka.FromOldest(),
		kafka.WithConsumerLogger(log.WithField("component", "dlq-consumer")),
	)
	if err != nil {
		_ = closeFn()
		return nil, nil, nil, err
	}
	return consumer, replayer, closeFn, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg)
	if err != nil {
		fail("dlq replay failed: %v", err)
	}
	log.WithFields(log.Fields{
		"processed": stats.Processed,
		"replayed":  stats.Replayed,
		"skipped":   stats.Skipped,
	}).Info("dlq replay finished")
}

func readConfig(args []string, lookup func(string) (string, bool), output io.Writer) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.groupID, "group", defaultGroupID, "consumer group for the replay run")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for replay")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.DurationVar(&cfg.duration, "duration", defaultDuration, "how long to consume the DLQ before exiting")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		if value, ok := lookup("KAFKA_BROKERS"); ok {
			brokersRaw = value
		}
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.groupID) == "" {
		return config{}, fmt.Errorf("group is required")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.sourceTopic == cfg.targetTopic {
		return config{}, fmt.Errorf("source-topic and target-topic must differ")
	}
	if cfg.duration <= 0 {
		return config{}, fmt.Errorf("duration must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) (kafka.ReplayStats, error) {
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"group":        cfg.groupID,
		"mode":         mode,
		"duration":     cfg.duration.String(),
	}).Info("starting dlq replay")

	consumer, replayer, closeProducer, err := newReplayConsumer(cfg)
	if err != nil {
		return kafka.ReplayStats{}, err
	}
	defer func() {
		if err := closeProducer(); err != nil {
			log.WithError(err).Warn("failed to close replay producer")
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	if err := consumer.Start(runCtx); err != nil {
		return kafka.ReplayStats{}, fmt.Errorf("start dlq consumer: %w", err)
	}
	<-runCtx.Done()

	if err := consumer.Stop(); err != nil {
		return replayer.Stats(), fmt.Errorf("stop dlq consumer: %w", err)
	}
	return replayer.Stats(), nil
}

func fail(format string, args ...any) {
	log.Errorf(format, args...)
	os.Exit(1)
}
