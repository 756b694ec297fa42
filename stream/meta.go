// Package stream binds capture agents to downstream clients and delivers their data in order.
package stream

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

var (
	// ErrDuplicateSubscription is returned when a ClientID already has a sink
	ErrDuplicateSubscription = errors.New("client id already has a registered sink")
	// ErrNoSink is returned when a source or packet arrives for a ClientID without a sink
	ErrNoSink = errors.New("no sink registered for client id")
	// ErrSourceBound is returned when a ClientID or connection already has a source
	ErrSourceBound = errors.New("source already bound")
	// ErrPipelineStopped is returned by operations on a stopped pipeline
	ErrPipelineStopped = errors.New("pipeline stopped")
)

// ClientID names a subscription. It is chosen by the client and never generated here.
type ClientID string

// SourceMeta describes a bound capture agent connection
type SourceMeta struct {
	Kind      protocol.Kind
	ProcessID string
	ClientID  ClientID
	ConnID    string
	Version   string

	lastHeartbeat atomic.Int64
	bytesIn       atomic.Int64
	recordsIn     atomic.Int64
	lastTimestamp atomic.Int64
}

// Touch renews the source lease
func (s *SourceMeta) Touch(t time.Time) {
	s.lastHeartbeat.Store(t.UnixNano())
}

// LastHeartbeat returns when the source was last heard from
func (s *SourceMeta) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

// Observe accounts one received packet
func (s *SourceMeta) Observe(bytes, records int, timestamp int64) {
	s.bytesIn.Add(int64(bytes))
	s.recordsIn.Add(int64(records))
	s.lastTimestamp.Store(timestamp)
}

// SinkMeta describes a registered downstream client connection
type SinkMeta struct {
	Kind           protocol.Kind    `json:"kind"`
	ConnID         string           `json:"conn_id"`
	ClientIP       string           `json:"client_ip"`
	ClientID       ClientID         `json:"client_id"`
	ClientVersion  string           `json:"client_version"`
	Configuration  string           `json:"-"`
	Protocol       protocol.Version `json:"protocol"`
	RegisterTime   time.Time        `json:"register_time"`
	MonitorEnabled bool             `json:"monitor_enabled"`
}

// SourceInfo is a copyable view of a SourceMeta
type SourceInfo struct {
	Kind                protocol.Kind `json:"kind"`
	ProcessID           string        `json:"process_id"`
	ConnID              string        `json:"conn_id"`
	Version             string        `json:"version"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	BytesIn             int64         `json:"bytes_in"`
	RecordsIn           int64         `json:"records_in"`
	LastSourceTimestamp int64         `json:"last_source_timestamp"`
}

func (s *SourceMeta) info() *SourceInfo {
	return &SourceInfo{
		Kind:                s.Kind,
		ProcessID:           s.ProcessID,
		ConnID:              s.ConnID,
		Version:             s.Version,
		LastHeartbeat:       s.LastHeartbeat(),
		BytesIn:             s.bytesIn.Load(),
		RecordsIn:           s.recordsIn.Load(),
		LastSourceTimestamp: s.lastTimestamp.Load(),
	}
}

// Subscription is a snapshot of one ClientID binding
type Subscription struct {
	ClientID ClientID      `json:"client_id"`
	Sink     *SinkMeta     `json:"sink,omitempty"`
	Source   *SourceInfo   `json:"source,omitempty"`
	Pipeline PipelineStats `json:"pipeline"`
}
