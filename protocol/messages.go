package protocol

import (
	"fmt"
	"sync/atomic"
)

// Message is one fully decoded frame
type Message interface {
	MessageType() MessageType
}

// ClientHandshake is sent by a downstream client to open a subscription
type ClientHandshake struct {
	Version       Version
	Kind          Kind
	ClientIP      string
	ClientID      string
	ClientVersion string
	Configuration string
	EnableMonitor bool
}

func (*ClientHandshake) MessageType() MessageType { return TypeHandshakeRequestClient }

// ClientHandshakeResponse acknowledges a client handshake
type ClientHandshakeResponse struct {
	Version       Version
	Code          ResponseCode
	ServerIP      string
	ServerVersion string
}

func (*ClientHandshakeResponse) MessageType() MessageType { return TypeHandshakeResponseClient }

// ErrorResponse precedes a server-side close
type ErrorResponse struct {
	Version Version
	Code    ResponseCode
	Message string
}

func (*ErrorResponse) MessageType() MessageType { return TypeErrorResponse }

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// SourceHandshake is sent by a capture agent once it has been started for a ClientID
type SourceHandshake struct {
	ClientID     string
	AgentVersion string
	ProcessID    string
}

func (*SourceHandshake) MessageType() MessageType { return TypeHandshakeRequestSource }

// SourceHandshakeResponse acknowledges a capture agent handshake
type SourceHandshakeResponse struct {
	Code          ResponseCode
	ServerVersion string
}

func (*SourceHandshakeResponse) MessageType() MessageType { return TypeHandshakeResponseSource }

// ClientData carries one record block to a downstream client
type ClientData struct {
	Version Version
	Block   []byte
}

func (*ClientData) MessageType() MessageType { return TypeDataClient }

// RuntimeStatus is pushed to clients that enabled monitoring
type RuntimeStatus struct {
	IP          string
	Port        int32
	StreamCount int32
	WorkerCount int32
}

func (*RuntimeStatus) MessageType() MessageType { return TypeStatus }

var inflightPackets atomic.Int64

// InflightPackets returns the number of decoded packets not yet released
func InflightPackets() int64 {
	return inflightPackets.Load()
}

// Packet is one capture agent data frame. Its Block is exclusively owned by
// whoever holds the packet and must be released exactly once.
type Packet struct {
	Length     int
	Timestamp  int64
	Checkpoint int64
	Block      []byte

	released atomic.Bool
}

// NewPacket wraps an owned record block
func NewPacket(timestamp, checkpoint int64, block []byte) *Packet {
	inflightPackets.Add(1)
	return &Packet{
		Length:     16 + len(block),
		Timestamp:  timestamp,
		Checkpoint: checkpoint,
		Block:      block,
	}
}

func (*Packet) MessageType() MessageType { return TypeDataSource }

// Release drops the block. Calls after the first are no-ops.
func (p *Packet) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.Block = nil
	inflightPackets.Add(-1)
}

// Released reports whether Release has been called
func (p *Packet) Released() bool {
	return p.released.Load()
}
