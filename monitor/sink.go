// Package monitor periodically publishes per-stream relay metrics to an external sink and
// pushes runtime status to clients that asked for it.
package monitor

import (
	"fmt"

	"github.com/maxpert/cdcrelay/cfg"
)

// Sink is a destination for metric reports
type Sink interface {
	// Publish sends one report; key routes reports of the same relay together
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// NewSink builds the sink selected by c.Sink. An empty selection returns nil, nil and the
// reporter only pushes runtime status.
func NewSink(c cfg.MonitorConfiguration) (Sink, error) {
	switch c.Sink {
	case "":
		return nil, nil
	case "nats":
		if c.NATS.URL == "" {
			return nil, fmt.Errorf("nats monitor sink requires a url")
		}
		return NewNatsSink(c.NATS.URL)
	case "kafka":
		return NewKafkaSink(DefaultKafkaConfig(c.Kafka.Brokers))
	default:
		return nil, fmt.Errorf("unknown monitor sink %q", c.Sink)
	}
}
