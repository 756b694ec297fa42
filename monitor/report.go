package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/maxpert/cdcrelay/encoding"
	"github.com/maxpert/cdcrelay/stream"
)

// Report is one periodic snapshot of every stream on a relay
type Report struct {
	ServerID    uint64         `msgpack:"server_id"`
	IP          string         `msgpack:"ip"`
	Port        int            `msgpack:"port"`
	Timestamp   int64          `msgpack:"ts"` // unix ms
	StreamCount int            `msgpack:"streams"`
	SourceCount int            `msgpack:"sources"`
	Inflight    int64          `msgpack:"inflight"`
	Streams     []StreamReport `msgpack:"stream"`
}

// StreamReport carries the counters of one ClientID and their rates since the previous report
type StreamReport struct {
	ClientID string `msgpack:"client_id"`
	ClientIP string `msgpack:"client_ip,omitempty"`
	Kind     string `msgpack:"kind,omitempty"`
	PID      string `msgpack:"pid,omitempty"`

	RecordsIn  int64 `msgpack:"records_in"`
	BytesIn    int64 `msgpack:"bytes_in"`
	PacketsOut int64 `msgpack:"packets_out"`
	BytesOut   int64 `msgpack:"bytes_out"`

	ReadRecordsPerSec  float64 `msgpack:"rtps"`
	ReadBytesPerSec    float64 `msgpack:"rios"`
	WritePacketsPerSec float64 `msgpack:"wtps"`
	WriteBytesPerSec   float64 `msgpack:"wios"`

	DelaySeconds  float64 `msgpack:"delay"`
	InboundDepth  int     `msgpack:"inbound"`
	OutboundDepth int     `msgpack:"outbound"`
}

type counters struct {
	recordsIn, bytesIn, packetsOut, bytesOut int64
}

// rateTracker turns cumulative counters into per-second rates between successive reports
type rateTracker struct {
	last map[stream.ClientID]counters
	at   time.Time
}

func newRateTracker() *rateTracker {
	return &rateTracker{last: make(map[stream.ClientID]counters)}
}

// build converts subscriptions into stream reports. Streams that disappeared since the
// previous call are forgotten.
func (t *rateTracker) build(subs []stream.Subscription, now time.Time) []StreamReport {
	elapsed := now.Sub(t.at).Seconds()
	first := t.at.IsZero()
	next := make(map[stream.ClientID]counters, len(subs))
	out := make([]StreamReport, 0, len(subs))

	for _, sub := range subs {
		r := StreamReport{
			ClientID:      string(sub.ClientID),
			PacketsOut:    sub.Pipeline.PacketsOut,
			BytesOut:      sub.Pipeline.BytesOut,
			InboundDepth:  sub.Pipeline.InboundDepth,
			OutboundDepth: sub.Pipeline.OutboundDepth,
		}
		if sub.Sink != nil {
			r.ClientIP = sub.Sink.ClientIP
			r.Kind = sub.Sink.Kind.String()
		}
		if sub.Source != nil {
			r.PID = sub.Source.ProcessID
			r.RecordsIn = sub.Source.RecordsIn
			r.BytesIn = sub.Source.BytesIn
			if ts := sub.Source.LastSourceTimestamp; ts > 0 {
				r.DelaySeconds = max(0, float64(now.Unix()-ts))
			}
		}

		cur := counters{r.RecordsIn, r.BytesIn, r.PacketsOut, r.BytesOut}
		if prev, ok := t.last[sub.ClientID]; ok && !first && elapsed > 0 {
			r.ReadRecordsPerSec = rate(cur.recordsIn, prev.recordsIn, elapsed)
			r.ReadBytesPerSec = rate(cur.bytesIn, prev.bytesIn, elapsed)
			r.WritePacketsPerSec = rate(cur.packetsOut, prev.packetsOut, elapsed)
			r.WriteBytesPerSec = rate(cur.bytesOut, prev.bytesOut, elapsed)
		}
		next[sub.ClientID] = cur
		out = append(out, r)
	}

	t.last = next
	t.at = now
	return out
}

func rate(cur, prev int64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// EncodeReport serializes r as msgpack, zstd-compressed when compress is set
func EncodeReport(r *Report, compress bool) ([]byte, error) {
	b, err := encoding.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	if !compress {
		return b, nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

// DecodeReport reverses EncodeReport
func DecodeReport(b []byte, compressed bool) (*Report, error) {
	if compressed {
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		if b, err = dec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("decompress report: %w", err)
		}
	}
	var r Report
	if err := encoding.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
