package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RoundTrip(t *testing.T) {
	r := &Record{
		Op:         OpUpdate,
		Database:   "app",
		Table:      "orders",
		Timestamp:  1700000000,
		Checkpoint: "1700000000",
		Before:     map[string][]byte{"id": []byte("1"), "state": []byte("new")},
		After:      map[string][]byte{"id": []byte("1"), "state": []byte("paid")},
	}

	data, err := MarshalRecord(r)
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRecord_DDLOmitsRowImages(t *testing.T) {
	r := &Record{Op: OpDDL, Database: "app", DDL: "ALTER TABLE t ADD c INT", Checkpoint: "9"}
	data, err := MarshalRecord(r)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, Unmarshal(data, &raw))
	assert.NotContains(t, raw, "before")
	assert.NotContains(t, raw, "after")
	assert.Equal(t, "ALTER TABLE t ADD c INT", raw["ddl"])
}

func TestUnmarshalRecord_Garbage(t *testing.T) {
	_, err := UnmarshalRecord([]byte{0xc1})
	assert.Error(t, err)
}

func TestOpType_String(t *testing.T) {
	assert.Equal(t, "INSERT", OpInsert.String())
	assert.Equal(t, "HEARTBEAT", OpHeartbeat.String())
	assert.Equal(t, "OP(42)", OpType(42).String())
}
