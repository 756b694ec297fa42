package protocol

import (
	"encoding/binary"
	"fmt"
)

func appendU16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendV0Header(b []byte, t MessageType) []byte {
	b = appendU16(b, uint16(V0))
	return appendU32(b, uint32(int32(t)))
}

func appendLongString(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendShortString(b []byte, s string) []byte {
	if len(s) > 0xff {
		s = s[:0xff]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// appendV1 frames an envelope as [2B version][4B length][envelope]
func appendV1(b []byte, t MessageType, c CompressType, payload []byte) ([]byte, error) {
	env, err := marshalEnvelope(t, c, payload)
	if err != nil {
		return nil, err
	}
	b = appendU16(b, uint16(V1))
	b = appendU32(b, uint32(len(env)))
	return append(b, env...), nil
}

// EncodeClientHandshake produces the bytes a client sends right after connecting, magic included
func EncodeClientHandshake(hs *ClientHandshake) ([]byte, error) {
	if hs.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	b := make([]byte, 0, 64+len(hs.Configuration))
	b = append(b, Magic[:]...)

	switch hs.Version {
	case V0:
		for name, s := range map[string]string{
			"client ip":      hs.ClientIP,
			"client version": hs.ClientVersion,
			"configuration":  hs.Configuration,
		} {
			if s == "" {
				return nil, fmt.Errorf("%s is required for a V0 handshake", name)
			}
		}
		b = appendV0Header(b, TypeHandshakeRequestClient)
		b = append(b, byte(hs.Kind))
		b = appendLongString(b, hs.ClientIP)
		b = appendLongString(b, hs.ClientID)
		b = appendLongString(b, hs.ClientVersion)
		b = appendLongString(b, hs.Configuration)
		return b, nil
	case V1:
		return appendV1(b, TypeHandshakeRequestClient, CompressNone, marshalClientHandshake(hs))
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", hs.Version)
	}
}

// EncodeClientHandshakeResponse acknowledges a client handshake in the client's version
func EncodeClientHandshakeResponse(v Version, code ResponseCode, ip, version string) ([]byte, error) {
	if v == V1 {
		return appendV1(nil, TypeHandshakeResponseClient, CompressNone, marshalResponse(code, ip, version, ""))
	}
	b := make([]byte, 0, 16+len(ip)+len(version))
	b = appendV0Header(b, TypeHandshakeResponseClient)
	b = appendU32(b, uint32(int32(code)))
	b = appendShortString(b, ip)
	b = appendShortString(b, version)
	return b, nil
}

// EncodeErrorResponse reports a fatal error before the relay closes the connection
func EncodeErrorResponse(v Version, code ResponseCode, message string) ([]byte, error) {
	if v == V1 {
		return appendV1(nil, TypeErrorResponse, CompressNone, marshalResponse(code, "", "", message))
	}
	b := make([]byte, 0, 14+len(message))
	b = appendV0Header(b, TypeErrorResponse)
	b = appendU32(b, uint32(int32(code)))
	return appendLongString(b, message), nil
}

// EncodeSourceHandshake produces a capture agent handshake
func EncodeSourceHandshake(hs *SourceHandshake) ([]byte, error) {
	if hs.ClientID == "" || hs.AgentVersion == "" || hs.ProcessID == "" {
		return nil, fmt.Errorf("client id, agent version and process id are required")
	}
	b := make([]byte, 0, 18+len(hs.ClientID)+len(hs.AgentVersion)+len(hs.ProcessID))
	b = appendV0Header(b, TypeHandshakeRequestSource)
	b = appendLongString(b, hs.ClientID)
	b = appendLongString(b, hs.AgentVersion)
	return appendLongString(b, hs.ProcessID), nil
}

// EncodeSourceHandshakeResponse acknowledges a capture agent handshake
func EncodeSourceHandshakeResponse(code ResponseCode, version string) []byte {
	b := make([]byte, 0, 14+len(version))
	b = appendV0Header(b, TypeHandshakeResponseSource)
	b = appendU32(b, uint32(int32(code)))
	return appendLongString(b, version)
}

// EncodeSourceData produces one capture agent data frame
func EncodeSourceData(timestamp, checkpoint int64, block []byte) []byte {
	b := make([]byte, 0, 6+4+16+len(block))
	b = appendV0Header(b, TypeDataSource)
	b = appendU32(b, uint32(16+len(block)))
	b = appendU64(b, uint64(timestamp))
	b = appendU64(b, uint64(checkpoint))
	return append(b, block...)
}

// AppendClientData frames a record block for a downstream client
func AppendClientData(dst []byte, v Version, block []byte) ([]byte, error) {
	if v == V1 {
		return appendV1(dst, TypeDataClient, CompressNone, block)
	}
	dst = appendV0Header(dst, TypeDataClient)
	dst = appendU32(dst, uint32(len(block)))
	return append(dst, block...), nil
}

// EncodeRuntimeStatus frames a status message; status is only defined for V1
func EncodeRuntimeStatus(status *RuntimeStatus) ([]byte, error) {
	return appendV1(nil, TypeStatus, CompressNone, marshalRuntimeStatus(status))
}

// EncodeEnvelope frames an arbitrary V1 message with the given compression
func EncodeEnvelope(t MessageType, c CompressType, payload []byte) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unsupported compress type %d", c)
	}
	return appendV1(nil, t, c, payload)
}
