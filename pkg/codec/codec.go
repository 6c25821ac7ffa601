package codec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hamba/avro/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/riferrei/srclient"
	"golang.org/x/sync/singleflight"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
)

const (
	// Confluent wire format: magic byte (1) + schema ID (4).
	wireHeaderSize = 5
	wireMagicByte  = 0
)

var jsonFast = jsoniter.ConfigFastest

// Decoder turns raw broker payloads into event payload maps. JSON is the
// default; when the config enables Avro the payload is expected in Confluent
// wire format and schemas are fetched from the registry once per schema ID.
type Decoder struct {
	useAvro bool
	client  *srclient.SchemaRegistryClient

	schemas sync.Map // schema ID -> avro.Schema
	sf      singleflight.Group
}

func NewDecoder(cfg config.KafkaConfig) *Decoder {
	d := &Decoder{useAvro: cfg.UseAvro}
	if cfg.UseAvro {
		d.client = srclient.CreateSchemaRegistryClient(cfg.SchemaRegistry)
	}
	return d
}

// Decode parses a message value into a payload map. Malformed input is a
// permanent error: it will never decode on retry, so the caller routes it to
// dead-letter.
func (d *Decoder) Decode(value []byte) (map[string]any, error) {
	if d.useAvro {
		return d.decodeAvro(value)
	}
	payload := make(map[string]any)
	if err := jsonFast.Unmarshal(value, &payload); err != nil {
		return nil, event.Permanent(fmt.Errorf("json decode: %w", err))
	}
	return payload, nil
}

func (d *Decoder) decodeAvro(value []byte) (map[string]any, error) {
	if len(value) < wireHeaderSize || value[0] != wireMagicByte {
		return nil, event.Permanent(fmt.Errorf("avro decode: missing confluent wire header"))
	}
	schemaID := int(binary.BigEndian.Uint32(value[1:wireHeaderSize]))

	schema, err := d.schemaByID(schemaID)
	if err != nil {
		// Registry unavailable is retryable; a bad schema body is not.
		return nil, err
	}

	payload := make(map[string]any)
	if err := avro.Unmarshal(schema, value[wireHeaderSize:], &payload); err != nil {
		return nil, event.Permanent(fmt.Errorf("avro decode schema %d: %w", schemaID, err))
	}
	return payload, nil
}

// schemaByID fetches and caches the parsed schema. Singleflight keeps a burst
// of messages with a new schema ID from stampeding the registry.
func (d *Decoder) schemaByID(id int) (avro.Schema, error) {
	if v, ok := d.schemas.Load(id); ok {
		return v.(avro.Schema), nil
	}
	v, err, _ := d.sf.Do(fmt.Sprintf("%d", id), func() (any, error) {
		meta, err := d.client.GetSchema(id)
		if err != nil {
			return nil, event.Transient(fmt.Errorf("fetch schema %d: %w", id, err))
		}
		schema, err := avro.Parse(meta.Schema())
		if err != nil {
			return nil, event.Permanent(fmt.Errorf("parse schema %d: %w", id, err))
		}
		d.schemas.Store(id, schema)
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(avro.Schema), nil
}

// Encode marshals a result payload for the Kafka sink and the side outputs.
func Encode(payload map[string]any) ([]byte, error) {
	return jsonFast.Marshal(payload)
}

// EventTime extracts the event time from the payload's "event_time" field,
// accepting RFC3339 strings or unix milliseconds. Events without one fall
// back to the broker timestamp.
func EventTime(payload map[string]any, fallback time.Time) time.Time {
	raw, ok := payload["event_time"]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	}
	return fallback
}
