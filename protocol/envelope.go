package protocol

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers
const (
	envType         protowire.Number = 1
	envCompressType protowire.Number = 2
	envPayload      protowire.Number = 3
)

// ClientHandshake field numbers
const (
	hsKind          protowire.Number = 1
	hsClientIP      protowire.Number = 2
	hsClientID      protowire.Number = 3
	hsClientVersion protowire.Number = 4
	hsEnableMonitor protowire.Number = 5
	hsConfiguration protowire.Number = 6
)

// RuntimeStatus field numbers
const (
	rsIP          protowire.Number = 1
	rsPort        protowire.Number = 2
	rsStreamCount protowire.Number = 3
	rsWorkerCount protowire.Number = 4
)

// Response field numbers shared by handshake and error responses
const (
	respCode    protowire.Number = 1
	respIP      protowire.Number = 2
	respVersion protowire.Number = 3
	respMessage protowire.Number = 4
)

type envelope struct {
	Type     MessageType
	Compress CompressType
	Payload  []byte
}

// protoFields is a flat view of one protobuf message: last value wins per field
type protoFields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func parseFields(b []byte) (protoFields, error) {
	f := protoFields{
		varints: make(map[protowire.Number]uint64),
		bytes:   make(map[protowire.Number][]byte),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, protowire.ParseError(m)
			}
			f.varints[num] = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return f, protowire.ParseError(m)
			}
			f.bytes[num] = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return f, nil
}

func (f protoFields) str(num protowire.Number) string {
	return string(f.bytes[num])
}

func (f protoFields) int32(num protowire.Number) int32 {
	return int32(f.varints[num])
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	return appendVarintField(b, num, uint64(int64(v)))
}

func marshalEnvelope(t MessageType, c CompressType, payload []byte) ([]byte, error) {
	if c == CompressLZ4 {
		compressed, err := LZ4Compress(payload)
		if err != nil {
			return nil, err
		}
		body := make([]byte, 4, 4+len(compressed))
		binary.BigEndian.PutUint32(body, uint32(len(payload)))
		payload = append(body, compressed...)
	}

	b := make([]byte, 0, len(payload)+16)
	b = appendVarintField(b, envType, uint64(int64(t)))
	b = appendVarintField(b, envCompressType, uint64(c))
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

// unmarshalEnvelope parses an envelope and returns its payload decompressed
func unmarshalEnvelope(b []byte, maxPayload int) (envelope, error) {
	f, err := parseFields(b)
	if err != nil {
		return envelope{}, &DecodeError{Field: FieldPayload, Value: int64(len(b)), Err: err}
	}

	rawCompress := f.varints[envCompressType]
	if rawCompress > 0xff || !CompressType(rawCompress).Valid() {
		return envelope{}, decodeErr(FieldCompressType, int64(rawCompress), "unsupported envelope compression")
	}

	env := envelope{
		Type:     MessageType(int32(f.varints[envType])),
		Compress: CompressType(rawCompress),
		Payload:  f.bytes[envPayload],
	}

	if env.Compress == CompressLZ4 {
		if len(env.Payload) < 4 {
			return envelope{}, decodeErr(FieldLength, int64(len(env.Payload)), "lz4 envelope payload too short")
		}
		origLen := int(binary.BigEndian.Uint32(env.Payload))
		if origLen > maxPayload {
			return envelope{}, decodeErr(FieldLength, int64(origLen), "envelope payload exceeds %d bytes", maxPayload)
		}
		plain, err := LZ4Decompress(env.Payload[4:], origLen)
		if err != nil {
			return envelope{}, err
		}
		env.Payload = plain
	}
	return env, nil
}

func marshalClientHandshake(hs *ClientHandshake) []byte {
	var b []byte
	b = appendVarintField(b, hsKind, uint64(hs.Kind))
	b = appendStringField(b, hsClientIP, hs.ClientIP)
	b = appendStringField(b, hsClientID, hs.ClientID)
	b = appendStringField(b, hsClientVersion, hs.ClientVersion)
	b = appendVarintField(b, hsEnableMonitor, protowire.EncodeBool(hs.EnableMonitor))
	b = appendStringField(b, hsConfiguration, hs.Configuration)
	return b
}

func unmarshalClientHandshake(b []byte) (*ClientHandshake, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, &DecodeError{Field: FieldPayload, Value: int64(len(b)), Err: err}
	}
	kind := f.varints[hsKind]
	if kind > 0xff || !Kind(kind).Valid() {
		return nil, decodeErr(FieldKind, int64(kind), "unsupported capture kind")
	}
	hs := &ClientHandshake{
		Version:       V1,
		Kind:          Kind(kind),
		ClientIP:      f.str(hsClientIP),
		ClientID:      f.str(hsClientID),
		ClientVersion: f.str(hsClientVersion),
		EnableMonitor: protowire.DecodeBool(f.varints[hsEnableMonitor]),
		Configuration: f.str(hsConfiguration),
	}
	if hs.ClientID == "" {
		return nil, decodeErr(FieldString, 0, "client id is required")
	}
	return hs, nil
}

func marshalRuntimeStatus(s *RuntimeStatus) []byte {
	var b []byte
	b = appendStringField(b, rsIP, s.IP)
	b = appendInt32Field(b, rsPort, s.Port)
	b = appendInt32Field(b, rsStreamCount, s.StreamCount)
	b = appendInt32Field(b, rsWorkerCount, s.WorkerCount)
	return b
}

func unmarshalRuntimeStatus(b []byte) (*RuntimeStatus, error) {
	f, err := parseFields(b)
	if err != nil {
		return nil, &DecodeError{Field: FieldPayload, Value: int64(len(b)), Err: err}
	}
	return &RuntimeStatus{
		IP:          f.str(rsIP),
		Port:        f.int32(rsPort),
		StreamCount: f.int32(rsStreamCount),
		WorkerCount: f.int32(rsWorkerCount),
	}, nil
}

func marshalResponse(code ResponseCode, ip, version, message string) []byte {
	var b []byte
	b = appendInt32Field(b, respCode, int32(code))
	b = appendStringField(b, respIP, ip)
	b = appendStringField(b, respVersion, version)
	b = appendStringField(b, respMessage, message)
	return b
}

func unmarshalResponse(b []byte) (code ResponseCode, ip, version, message string, err error) {
	f, perr := parseFields(b)
	if perr != nil {
		return 0, "", "", "", &DecodeError{Field: FieldPayload, Value: int64(len(b)), Err: perr}
	}
	return ResponseCode(f.int32(respCode)), f.str(respIP), f.str(respVersion), f.str(respMessage), nil
}

// decodeEnvelopeMessage turns an envelope into a typed message
func decodeEnvelopeMessage(env envelope) (Message, error) {
	switch env.Type {
	case TypeHandshakeRequestClient:
		return unmarshalClientHandshake(env.Payload)
	case TypeHandshakeResponseClient:
		code, ip, version, _, err := unmarshalResponse(env.Payload)
		if err != nil {
			return nil, err
		}
		return &ClientHandshakeResponse{Version: V1, Code: code, ServerIP: ip, ServerVersion: version}, nil
	case TypeErrorResponse:
		code, _, _, message, err := unmarshalResponse(env.Payload)
		if err != nil {
			return nil, err
		}
		return &ErrorResponse{Version: V1, Code: code, Message: message}, nil
	case TypeDataClient:
		block := make([]byte, len(env.Payload))
		copy(block, env.Payload)
		return &ClientData{Version: V1, Block: block}, nil
	case TypeStatus:
		return unmarshalRuntimeStatus(env.Payload)
	default:
		return nil, fmt.Errorf("no envelope decoder for %s", env.Type)
	}
}
