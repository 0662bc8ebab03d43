// Package producer streams session telemetry events to Kafka.
package producer

import (
	"session-control-plane/backend/internal/telemetry"
)

// Producer emits telemetry events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.EventEmitter
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}

var _ Producer = (*KafkaProducer)(nil)
