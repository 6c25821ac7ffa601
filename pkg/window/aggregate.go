package window

import (
	"encoding/json"
	"fmt"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
)

// Aggregator folds events into a window's running state. Implementations
// must be commutative and associative over event payloads so replay order
// across windows never changes the result.
type Aggregator interface {
	Add(e *event.Event)
	Value() any
}

// Snapshotter is implemented by aggregators that can persist their state
// when the durability flag is set.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Factory builds a fresh aggregator for each new window.
type Factory func() Aggregator

// NewFactory maps the configured aggregate name onto a factory. User-supplied
// aggregators are wired programmatically through the engine, bypassing this.
func NewFactory(cfg config.WindowConfig) (Factory, error) {
	switch cfg.Aggregate {
	case "count":
		return func() Aggregator { return &Count{} }, nil
	case "sum":
		field := cfg.SumField
		return func() Aggregator { return &Sum{Field: field} }, nil
	default:
		return nil, fmt.Errorf("unknown aggregate %q", cfg.Aggregate)
	}
}

// Count counts events per key per window.
type Count struct {
	N int64 `json:"n"`
}

func (c *Count) Add(*event.Event) { c.N++ }
func (c *Count) Value() any       { return c.N }

func (c *Count) Snapshot() ([]byte, error) { return json.Marshal(c) }
func (c *Count) Restore(data []byte) error { return json.Unmarshal(data, c) }

// Sum accumulates a numeric payload field. Missing or non-numeric values
// contribute zero rather than failing the window.
type Sum struct {
	Field string  `json:"field"`
	Total float64 `json:"total"`
}

func (s *Sum) Add(e *event.Event) {
	switch v := e.Payload[s.Field].(type) {
	case float64:
		s.Total += v
	case int64:
		s.Total += float64(v)
	case int:
		s.Total += float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			s.Total += f
		}
	}
}

func (s *Sum) Value() any { return s.Total }

func (s *Sum) Snapshot() ([]byte, error) { return json.Marshal(s) }
func (s *Sum) Restore(data []byte) error { return json.Unmarshal(data, s) }
