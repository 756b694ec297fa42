package client

import (
	"fmt"
	"strconv"

	"github.com/maxpert/cdcrelay/encoding"
	"github.com/maxpert/cdcrelay/protocol"
)

// RecordListener receives change records in relay order. Returning an error from OnRecord
// ends the stream; OnError is invoked on its own goroutine when the stream fails.
type RecordListener interface {
	OnRecord(rec *encoding.Record) error
	OnError(err error)
}

// StatusListener receives relay runtime status pushes. Registering one enables monitoring
// in the handshake.
type StatusListener interface {
	OnStatus(status *protocol.RuntimeStatus)
}

// ListenerFuncs adapts plain functions to RecordListener. Nil fields are skipped.
type ListenerFuncs struct {
	Record func(rec *encoding.Record) error
	Error  func(err error)
}

func (l ListenerFuncs) OnRecord(rec *encoding.Record) error {
	if l.Record == nil {
		return nil
	}
	return l.Record(rec)
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// StatusFunc adapts a function to StatusListener
type StatusFunc func(status *protocol.RuntimeStatus)

func (f StatusFunc) OnStatus(status *protocol.RuntimeStatus) { f(status) }

// CheckpointExtractor returns the resume position carried by a delivered record
type CheckpointExtractor func(rec *encoding.Record) string

// RecordCheckpoint uses the record checkpoint, falling back to its timestamp
func RecordCheckpoint(rec *encoding.Record) string {
	if rec.Checkpoint != "" {
		return rec.Checkpoint
	}
	return strconv.FormatInt(rec.Timestamp, 10)
}

func notifyRecord(l RecordListener, rec *encoding.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.OnRecord(rec)
}

func notifyStatus(l StatusListener, status *protocol.RuntimeStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status listener panic: %v", r)
		}
	}()
	l.OnStatus(status)
	return nil
}
