package protocol

import "fmt"

// Magic is the sentinel every client-facing connection starts with.
var Magic = [7]byte{'x', 'i', '5', '3', 'g', ']', 'q'}

// Version selects the framing scheme that follows the version field
type Version uint16

const (
	// V0 is the legacy fixed-field framing
	V0 Version = 0
	// V1 is the length-prefixed structured envelope
	V1 Version = 1
)

func (v Version) Valid() bool {
	return v == V0 || v == V1
}

// MessageType is the 4-byte header code of a V0 message, or the type field of a V1 envelope
type MessageType int32

const (
	TypeErrorResponse           MessageType = -1
	TypeHandshakeRequestClient  MessageType = 1
	TypeHandshakeResponseClient MessageType = 2
	TypeHandshakeRequestSource  MessageType = 3
	TypeHandshakeResponseSource MessageType = 4
	TypeDataSource              MessageType = 5
	TypeDataClient              MessageType = 6
	TypeStatus                  MessageType = 7
	TypeStatusSource            MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeErrorResponse:
		return "ERROR_RESPONSE"
	case TypeHandshakeRequestClient:
		return "HANDSHAKE_REQUEST_CLIENT"
	case TypeHandshakeResponseClient:
		return "HANDSHAKE_RESPONSE_CLIENT"
	case TypeHandshakeRequestSource:
		return "HANDSHAKE_REQUEST_SOURCE"
	case TypeHandshakeResponseSource:
		return "HANDSHAKE_RESPONSE_SOURCE"
	case TypeDataSource:
		return "DATA_SOURCE"
	case TypeDataClient:
		return "DATA_CLIENT"
	case TypeStatus:
		return "STATUS"
	case TypeStatusSource:
		return "STATUS_SOURCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// CompressType tags a record sub-block or an envelope payload
type CompressType uint8

const (
	CompressNone CompressType = 0
	CompressLZ4  CompressType = 1
)

func (c CompressType) Valid() bool {
	return c == CompressNone || c == CompressLZ4
}

// ResponseCode is carried by handshake and error responses
type ResponseCode int32

const (
	CodeSuccess   ResponseCode = 0
	CodeErrPacket ResponseCode = 1
	CodeErrConfig ResponseCode = 2
	CodeNoAuth    ResponseCode = 3
	CodeErrInit   ResponseCode = 4
)

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeErrPacket:
		return "ERR_PACKET"
	case CodeErrConfig:
		return "ERR_CONFIG"
	case CodeNoAuth:
		return "NO_AUTH"
	case CodeErrInit:
		return "ERR_INIT"
	default:
		return fmt.Sprintf("CODE(%d)", int32(c))
	}
}

// Kind identifies which capture agent family serves a subscription
type Kind uint8

const (
	KindOceanBase Kind = 0
	KindStore     Kind = 1
)

func (k Kind) Valid() bool {
	return k == KindOceanBase || k == KindStore
}

func (k Kind) String() string {
	switch k {
	case KindOceanBase:
		return "oceanbase"
	case KindStore:
		return "store"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	// MinDataFrameLength is the smallest legal value of a source data frame length field
	MinDataFrameLength = 20

	// DefaultMaxPacketBytes bounds any length-prefixed frame
	DefaultMaxPacketBytes = 8 << 20

	subBlockHeaderLen = 1 + 4 + 4
	recordHeaderLen   = 4 + 4
)
