package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/tkenna/streamcore/pkg/broker"
	"github.com/tkenna/streamcore/pkg/config"
)

var users = []string{"alice", "bob", "carol", "dave"}

var actions = []string{"view", "click", "purchase", "refund"}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pipeline configuration")
	rate := flag.Int("rate", 100, "events per second")
	lateFraction := flag.Float64("late", 0.05, "fraction of events emitted with a stale event time")
	flag.Parse()

	cfg := config.Load(*configPath)
	ctx := context.Background()

	producer := broker.NewProducer(cfg.Kafka)
	defer producer.Close()

	log.Printf("[Loadgen] Publishing to %s at %d events/s (late fraction %.2f)",
		cfg.Kafka.Topic, *rate, *lateFraction)

	interval := time.Second / time.Duration(*rate)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sent := 0
	lastReport := time.Now()

	for {
		key := users[rng.Intn(len(users))]
		eventTime := time.Now()
		if rng.Float64() < *lateFraction {
			// Stale enough to land behind the watermark of a one-minute window.
			eventTime = eventTime.Add(-90 * time.Second)
		}

		rec := map[string]any{
			"user":       key,
			"action":     actions[rng.Intn(len(actions))],
			"amount":     float64(rng.Intn(10000)) / 100,
			"event_time": eventTime.UTC().Format(time.RFC3339Nano),
			"session":    fmt.Sprintf("s-%06d", rng.Intn(1000)),
		}
		if err := producer.Publish(ctx, cfg.Kafka.Topic, []byte(key), rec); err != nil {
			log.Printf("[Loadgen] Publish failed: %v", err)
		} else {
			sent++
		}

		if time.Since(lastReport) >= 10*time.Second {
			log.Printf("[Loadgen] Sent %d events", sent)
			lastReport = time.Now()
		}
		time.Sleep(interval)
	}
}
