package sink

import (
	"context"
	"fmt"

	"github.com/tkenna/streamcore/pkg/broker"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/window"
)

// Sink receives emitted window results. Upsert must be idempotent by result
// id: writing the same result twice leaves the sink unchanged, which is what
// makes crash-recovery replay safe.
type Sink interface {
	Upsert(ctx context.Context, res *window.Result) error
	Close() error
}

// FromConfig builds the configured sink. The producer is only consulted for
// the Kafka kind and may be nil otherwise.
func FromConfig(cfg *config.AppConfig, producer *broker.Producer) (Sink, error) {
	switch cfg.Sink.Kind {
	case config.SinkDuckDB:
		return NewDuckDB(cfg.Sink.Path, cfg.Sink.Table)
	case config.SinkKafka:
		if producer == nil {
			return nil, fmt.Errorf("kafka sink requires a producer")
		}
		return NewKafka(producer, cfg.Sink.Topic), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}
