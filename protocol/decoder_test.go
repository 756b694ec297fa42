package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, d *Decoder, chunks [][]byte) []Message {
	t.Helper()
	var out []Message
	for _, c := range chunks {
		d.Feed(c)
		for {
			msg, err := d.Next()
			if err == ErrNeedMore {
				break
			}
			require.NoError(t, err)
			out = append(out, msg)
		}
	}
	return out
}

func randomChunks(rng *rand.Rand, data []byte, maxChunks int) [][]byte {
	n := 1 + rng.Intn(maxChunks)
	if n > len(data) {
		n = len(data)
	}
	cuts := make(map[int]bool)
	for len(cuts) < n-1 {
		cuts[1+rng.Intn(len(data)-1)] = true
	}
	var chunks [][]byte
	start := 0
	for i := 1; i < len(data); i++ {
		if cuts[i] {
			chunks = append(chunks, data[start:i])
			start = i
		}
	}
	return append(chunks, data[start:])
}

func byteAtATime(data []byte) [][]byte {
	chunks := make([][]byte, len(data))
	for i := range data {
		chunks[i] = data[i : i+1]
	}
	return chunks
}

func testHandshake(v Version) *ClientHandshake {
	return &ClientHandshake{
		Version:       v,
		Kind:          KindOceanBase,
		ClientIP:      "10.0.0.7",
		ClientID:      "c1",
		ClientVersion: "1.1.0",
		Configuration: "cluster_url=http://rs cluster_user=u@t first_start_timestamp=0",
		EnableMonitor: v == V1,
	}
}

func TestDecoder_V1HandshakeChunkingIndependent(t *testing.T) {
	hs := testHandshake(V1)
	data, err := EncodeClientHandshake(hs)
	require.NoError(t, err)

	whole := decodeAll(t, NewDecoder(RoleClientFacing), [][]byte{data})
	require.Len(t, whole, 1)
	assert.Equal(t, hs, whole[0])

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		chunks := randomChunks(rng, data, len(data))
		got := decodeAll(t, NewDecoder(RoleClientFacing), chunks)
		require.Len(t, got, 1, "chunks=%d", len(chunks))
		assert.Equal(t, whole[0], got[0])
	}
}

func TestDecoder_V0HandshakeByteAtATime(t *testing.T) {
	hs := testHandshake(V0)
	data, err := EncodeClientHandshake(hs)
	require.NoError(t, err)

	d := NewDecoder(RoleClientFacing)
	got := decodeAll(t, d, byteAtATime(data))
	require.Len(t, got, 1)
	assert.Equal(t, hs, got[0])
	assert.True(t, d.MagicSeen())
	assert.Zero(t, d.Buffered())
}

func TestDecoder_FieldMinusOneThenLastByte(t *testing.T) {
	data := EncodeSourceData(1700000000, 10, mustBlock(t, [][]byte{[]byte("r1"), []byte("r2")}))

	for cut := 1; cut < len(data); cut++ {
		d := NewDecoder(RoleSourceFacing)
		d.Feed(data[:cut])
		msg, err := d.Next()
		require.ErrorIs(t, err, ErrNeedMore, "cut=%d", cut)
		require.Nil(t, msg)

		d.Feed(data[cut:])
		msg, err = d.Next()
		require.NoError(t, err, "cut=%d", cut)
		p := msg.(*Packet)
		assert.Equal(t, int64(1700000000), p.Timestamp)
		assert.Equal(t, int64(10), p.Checkpoint)
		assert.Equal(t, len(data)-10, p.Length)
		p.Release()
	}
}

func TestDecoder_SourceHandshakeThenData(t *testing.T) {
	hsBytes, err := EncodeSourceHandshake(&SourceHandshake{ClientID: "c1", AgentVersion: "3.2", ProcessID: "4242"})
	require.NoError(t, err)
	block := mustBlock(t, [][]byte{[]byte("a")})
	stream := append(hsBytes, EncodeSourceData(5, 10, block)...)
	stream = append(stream, EncodeSourceData(6, 20, block)...)

	got := decodeAll(t, NewDecoder(RoleSourceFacing), [][]byte{stream})
	require.Len(t, got, 3)
	assert.Equal(t, &SourceHandshake{ClientID: "c1", AgentVersion: "3.2", ProcessID: "4242"}, got[0])
	assert.Equal(t, int64(10), got[1].(*Packet).Checkpoint)
	assert.Equal(t, int64(20), got[2].(*Packet).Checkpoint)
	assert.Equal(t, block, got[2].(*Packet).Block)
	got[1].(*Packet).Release()
	got[2].(*Packet).Release()
}

func TestDecoder_Errors(t *testing.T) {
	v0Header := func(t MessageType) []byte { return appendV0Header(nil, t) }

	tests := []struct {
		name  string
		role  Role
		data  []byte
		field Field
	}{
		{
			name:  "bad magic",
			role:  RoleClientFacing,
			data:  []byte("GET / HTTP/1.1\r\n"),
			field: FieldMagic,
		},
		{
			name:  "unknown version",
			role:  RoleClientFacing,
			data:  append(Magic[:], 0x00, 0x09),
			field: FieldVersion,
		},
		{
			name:  "v1 on source connection",
			role:  RoleSourceFacing,
			data:  []byte{0x00, 0x01},
			field: FieldVersion,
		},
		{
			name:  "data on client-facing connection",
			role:  RoleClientFacing,
			data:  append(Magic[:], v0Header(TypeDataSource)...),
			field: FieldHeaderType,
		},
		{
			name:  "unknown header type",
			role:  RoleSourceFacing,
			data:  v0Header(MessageType(99)),
			field: FieldHeaderType,
		},
		{
			name:  "empty string",
			role:  RoleSourceFacing,
			data:  append(v0Header(TypeHandshakeRequestSource), 0, 0, 0, 0),
			field: FieldString,
		},
		{
			name:  "short data frame",
			role:  RoleSourceFacing,
			data:  append(v0Header(TypeDataSource), 0, 0, 0, 19),
			field: FieldLength,
		},
		{
			name:  "oversized data frame",
			role:  RoleSourceFacing,
			data:  append(v0Header(TypeDataSource), 0x7f, 0, 0, 0),
			field: FieldLength,
		},
		{
			name:  "bad kind",
			role:  RoleClientFacing,
			data:  append(append(Magic[:], v0Header(TypeHandshakeRequestClient)...), 9),
			field: FieldKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(tt.role)
			d.Feed(tt.data)
			msg, err := d.Next()
			require.Nil(t, msg)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err, tt.field), "got %v", err)
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestDecoder_ResetsAfterError(t *testing.T) {
	d := NewDecoder(RoleClientFacing)
	d.Feed([]byte("garbage"))
	_, err := d.Next()
	require.True(t, IsDecodeError(err, FieldMagic))
	assert.False(t, d.MagicSeen())

	data, err := EncodeClientHandshake(testHandshake(V1))
	require.NoError(t, err)
	got := decodeAll(t, d, [][]byte{data})
	require.Len(t, got, 1)
	assert.True(t, d.MagicSeen())
}

func TestDecoder_BadEnvelopeCompressType(t *testing.T) {
	env := appendVarintField(nil, envType, uint64(TypeHandshakeRequestClient))
	env = appendVarintField(env, envCompressType, 7)
	data := append(Magic[:], 0, 1)
	data = appendU32(data, uint32(len(env)))
	data = append(data, env...)

	d := NewDecoder(RoleClientFacing)
	d.Feed(data)
	_, err := d.Next()
	assert.True(t, IsDecodeError(err, FieldCompressType), "got %v", err)
}

func TestDecoder_ClientRole(t *testing.T) {
	block := mustBlock(t, [][]byte{[]byte("x"), []byte("y")})

	resp0, err := EncodeClientHandshakeResponse(V0, CodeSuccess, "10.0.0.1", "1.0.0")
	require.NoError(t, err)
	data0, err := AppendClientData(nil, V0, block)
	require.NoError(t, err)
	resp1, err := EncodeClientHandshakeResponse(V1, CodeSuccess, "10.0.0.1", "1.0.0")
	require.NoError(t, err)
	data1, err := AppendClientData(nil, V1, block)
	require.NoError(t, err)
	status, err := EncodeRuntimeStatus(&RuntimeStatus{IP: "10.0.0.1", Port: 8890, StreamCount: 2, WorkerCount: 1})
	require.NoError(t, err)
	errResp, err := EncodeErrorResponse(V0, CodeNoAuth, "denied")
	require.NoError(t, err)

	var stream []byte
	for _, p := range [][]byte{resp0, data0, resp1, data1, status, errResp} {
		stream = append(stream, p...)
	}

	got := decodeAll(t, NewDecoder(RoleClient), byteAtATime(stream))
	require.Len(t, got, 6)
	assert.Equal(t, &ClientHandshakeResponse{Version: V0, Code: CodeSuccess, ServerIP: "10.0.0.1", ServerVersion: "1.0.0"}, got[0])
	assert.Equal(t, &ClientData{Version: V0, Block: block}, got[1])
	assert.Equal(t, &ClientHandshakeResponse{Version: V1, Code: CodeSuccess, ServerIP: "10.0.0.1", ServerVersion: "1.0.0"}, got[2])
	assert.Equal(t, &ClientData{Version: V1, Block: block}, got[3])
	assert.Equal(t, &RuntimeStatus{IP: "10.0.0.1", Port: 8890, StreamCount: 2, WorkerCount: 1}, got[4])
	assert.Equal(t, &ErrorResponse{Version: V0, Code: CodeNoAuth, Message: "denied"}, got[5])
}

func TestDecoder_LZ4Envelope(t *testing.T) {
	block := mustBlock(t, [][]byte{[]byte("hello hello hello hello hello hello")})
	data, err := EncodeEnvelope(TypeDataClient, CompressLZ4, block)
	require.NoError(t, err)

	got := decodeAll(t, NewDecoder(RoleClient), [][]byte{data})
	require.Len(t, got, 1)
	assert.Equal(t, block, got[0].(*ClientData).Block)
}

func TestDecoder_MaxPacketBytes(t *testing.T) {
	d := NewDecoder(RoleClient)
	d.SetMaxPacketBytes(8)
	data, err := AppendClientData(nil, V0, make([]byte, 9))
	require.NoError(t, err)
	d.Feed(data)
	_, err = d.Next()
	assert.True(t, IsDecodeError(err, FieldLength))
}

func TestDecoder_SourceRole(t *testing.T) {
	data := EncodeSourceHandshakeResponse(CodeSuccess, "1.0.0")
	got := decodeAll(t, NewDecoder(RoleSource), byteAtATime(data))
	require.Len(t, got, 1)
	assert.Equal(t, &SourceHandshakeResponse{Code: CodeSuccess, ServerVersion: "1.0.0"}, got[0])
}

func TestEncodeClientHandshake_RejectsEmptyFields(t *testing.T) {
	hs := testHandshake(V0)
	hs.Configuration = ""
	_, err := EncodeClientHandshake(hs)
	assert.Error(t, err)

	hs = testHandshake(V1)
	hs.ClientID = ""
	_, err = EncodeClientHandshake(hs)
	assert.Error(t, err)
}

func mustBlock(t *testing.T, records [][]byte) []byte {
	t.Helper()
	block, err := EncodeRecordBlock(records, CompressLZ4)
	require.NoError(t, err)
	return block
}
