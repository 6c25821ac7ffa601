package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	ck "github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/tkenna/streamcore/pkg/codec"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
)

// Reconnect backoff bounds for broker disconnects: base 500ms, doubling,
// capped at 30s, retried without bound.
const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
)

// ErrAuthFailed marks an authentication or authorization rejection from the
// broker. Unlike a disconnect it is not retried: the instance halts.
var ErrAuthFailed = errors.New("broker authentication failed")

// Reader pulls ordered event batches from one assigned partition. One
// reader per partition keeps the pull API per-partition and the ordering
// guarantee trivial. Offsets are owned by the checkpoint store, never by
// the broker's consumer-group machinery: the reader seeks to the restart
// position once and commits nothing to Kafka.
type Reader struct {
	topic     string
	partition int
	decoder   *codec.Decoder
	reg       *metrics.Registry

	// onMalformed receives events that cannot be decoded, with enough raw
	// context to stay attributable in the dead-letter channel.
	onMalformed func(e *event.Event, err error)

	c        *ck.Consumer
	degraded atomic.Bool
	bo       *backoff.ExponentialBackOff
}

// NewReader creates a consumer assigned to exactly one partition.
// startOffset is the last committed offset, -1 for a fresh partition.
// Unrecoverable configuration errors are fatal, not retried.
func NewReader(cfg config.KafkaConfig, partition int, startOffset int64,
	decoder *codec.Decoder, reg *metrics.Registry,
	onMalformed func(e *event.Event, err error)) (*Reader, error) {

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "streamcore"
	}
	cm := &ck.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"group.id":           groupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	}
	c, err := ck.NewConsumer(cm)
	if err != nil {
		return nil, event.Fatal(fmt.Errorf("create consumer: %w", err))
	}

	off := ck.OffsetBeginning
	if startOffset >= 0 {
		off = ck.Offset(startOffset + 1)
		log.Printf("[Reader] Partition %d resuming from offset %d", partition, startOffset+1)
	} else {
		log.Printf("[Reader] Partition %d starting from the beginning", partition)
	}

	topic := cfg.Topic
	err = c.Assign([]ck.TopicPartition{{
		Topic:     &topic,
		Partition: int32(partition),
		Offset:    off,
	}})
	if err != nil {
		_ = c.Close()
		return nil, event.Fatal(fmt.Errorf("assign partition %d: %w", partition, err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.Multiplier = 2
	bo.MaxInterval = reconnectCap
	bo.MaxElapsedTime = 0

	if onMalformed == nil {
		onMalformed = func(*event.Event, error) {}
	}

	return &Reader{
		topic:       topic,
		partition:   partition,
		decoder:     decoder,
		reg:         reg,
		onMalformed: onMalformed,
		c:           c,
		bo:          bo,
	}, nil
}

// Pull reads up to max events within the timeout. A quiet partition yields
// an empty batch, not an error. Events come back in strict offset order;
// the reader never reorders within its partition. ctx cuts the reconnect
// backoff short on shutdown.
func (r *Reader) Pull(ctx context.Context, max int, timeout time.Duration) ([]*event.Event, error) {
	if max <= 0 {
		return nil, nil
	}

	deadline := time.Now().Add(timeout)
	events := make([]*event.Event, 0, max)

	for len(events) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		msg, err := r.c.ReadMessage(remaining)
		if err != nil {
			var ke ck.Error
			if errors.As(err, &ke) {
				switch {
				case ke.Code() == ck.ErrTimedOut:
					return r.healthy(events), nil
				case isAuthError(ke.Code()):
					return events, event.Fatal(fmt.Errorf("%w: %v", ErrAuthFailed, ke))
				}
			}
			// Broker disconnect or transport fault: report degraded, back
			// off, and let the caller keep what was read so far.
			r.degraded.Store(true)
			r.reg.Inc("reader", "errors")
			wait := r.bo.NextBackOff()
			log.Printf("[Reader] Partition %d degraded: %v (retrying in %v)", r.partition, err, wait)
			sleepContext(ctx, wait)
			return events, nil
		}

		e := r.decode(msg)
		if e == nil {
			continue
		}
		events = append(events, e)
	}
	return r.healthy(events), nil
}

func (r *Reader) healthy(events []*event.Event) []*event.Event {
	if r.degraded.Swap(false) {
		log.Printf("[Reader] Partition %d recovered", r.partition)
	}
	r.bo.Reset()
	r.reg.Add("reader", "events_read", int64(len(events)))
	return events
}

// decode turns a broker message into an Event. Malformed payloads go to the
// dead-letter callback and are counted; nil return means skip.
func (r *Reader) decode(msg *ck.Message) *event.Event {
	base := &event.Event{
		Key:       string(msg.Key),
		EventTime: msg.Timestamp,
		Partition: r.partition,
		Offset:    int64(msg.TopicPartition.Offset),
	}

	payload, err := r.decoder.Decode(msg.Value)
	if err != nil {
		r.reg.Inc("reader", "decode_errors")
		base.Payload = map[string]any{"_raw": string(msg.Value)}
		r.onMalformed(base, err)
		return nil
	}

	base.Payload = payload
	base.EventTime = codec.EventTime(payload, msg.Timestamp)
	return base
}

// Latest queries the partition's high watermark, used by the backpressure
// controller to compute lag.
func (r *Reader) Latest(timeout time.Duration) (int64, error) {
	_, high, err := r.c.QueryWatermarkOffsets(r.topic, int32(r.partition), int(timeout.Milliseconds()))
	if err != nil {
		return 0, err
	}
	return high, nil
}

// Degraded reports whether the reader is in its reconnect loop.
func (r *Reader) Degraded() bool { return r.degraded.Load() }

func (r *Reader) Partition() int { return r.partition }

func (r *Reader) Close() error { return r.c.Close() }

// sleepContext waits for d or until the context ends, whichever comes
// first, so a shutdown never sits out a full reconnect backoff.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isAuthError(code ck.ErrorCode) bool {
	switch code {
	case ck.ErrAuthentication,
		ck.ErrSaslAuthenticationFailed,
		ck.ErrTopicAuthorizationFailed,
		ck.ErrGroupAuthorizationFailed,
		ck.ErrClusterAuthorizationFailed:
		return true
	}
	return false
}
