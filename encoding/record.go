package encoding

import "fmt"

// OpType is the kind of change a record describes
type OpType uint8

const (
	OpInsert    OpType = 0
	OpUpdate    OpType = 1
	OpDelete    OpType = 2
	OpDDL       OpType = 3
	OpBegin     OpType = 4
	OpCommit    OpType = 5
	OpHeartbeat OpType = 6
)

// Valid reports whether o is a known record type
func (o OpType) Valid() bool {
	return o <= OpHeartbeat
}

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpDDL:
		return "DDL"
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Record is one change event as produced by a capture agent.
// Records travel opaque through the relay inside record blocks.
type Record struct {
	Op         OpType            `msgpack:"op"`
	Database   string            `msgpack:"db"`
	Table      string            `msgpack:"tbl"`
	Timestamp  int64             `msgpack:"ts"`   // commit time, unix seconds
	Checkpoint string            `msgpack:"ckpt"` // resume position
	Before     map[string][]byte `msgpack:"before,omitempty"`
	After      map[string][]byte `msgpack:"after,omitempty"`
	DDL        string            `msgpack:"ddl,omitempty"`
}

// MarshalRecord encodes a record for embedding in a record block
func MarshalRecord(r *Record) ([]byte, error) {
	data, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes one record extracted from a record block
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &r, nil
}
