package stream

import (
	"fmt"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

// collect waits up to wait for the first item of a batch, then takes whatever else is
// immediately available up to max items. ok is false once stop is closed; the items
// gathered so far are still returned and must be released by the caller.
func collect[T any](stop <-chan struct{}, in <-chan T, batch []T, max int, wait time.Duration) ([]T, bool) {
	if max < 1 {
		max = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case v := <-in:
		batch = append(batch, v)
	case <-timer.C:
		return batch, true
	case <-stop:
		return batch, false
	}

	for len(batch) < max {
		select {
		case v := <-in:
			batch = append(batch, v)
		case <-stop:
			return batch, false
		default:
			return batch, true
		}
	}
	return batch, true
}

// EncodeOptions controls how packets become client frames
type EncodeOptions struct {
	Version protocol.Version
	// CompressThreshold re-compresses uncompressed sub-blocks at least this large, 0 disables
	CompressThreshold int
}

// BatchEncoder turns a batch of packets into the bytes written to a client
type BatchEncoder func(packets []*protocol.Packet, opts EncodeOptions) ([]byte, error)

// EncodeBatch frames every packet block as a DATA_CLIENT message in the client's version
func EncodeBatch(packets []*protocol.Packet, opts EncodeOptions) ([]byte, error) {
	size := 0
	for _, p := range packets {
		size += len(p.Block) + 16
	}

	out := make([]byte, 0, size)
	for _, p := range packets {
		block := p.Block
		if opts.CompressThreshold > 0 {
			var err error
			block, err = protocol.Recompress(block, opts.CompressThreshold)
			if err != nil {
				return nil, fmt.Errorf("recompress packet at checkpoint %d: %w", p.Checkpoint, err)
			}
		}

		var err error
		out, err = protocol.AppendClientData(out, opts.Version, block)
		if err != nil {
			return nil, fmt.Errorf("frame packet at checkpoint %d: %w", p.Checkpoint, err)
		}
	}
	return out, nil
}

func releasePackets(packets []*protocol.Packet) {
	for _, p := range packets {
		p.Release()
	}
}
