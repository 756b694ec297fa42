package protocol

import (
	"bytes"
	"errors"
)

// Role selects which messages a Decoder accepts and where it starts
type Role int

const (
	// RoleClientFacing decodes what downstream clients send to the relay
	RoleClientFacing Role = iota
	// RoleSourceFacing decodes what capture agents send to the relay
	RoleSourceFacing
	// RoleClient decodes what the relay sends to downstream clients
	RoleClient
	// RoleSource decodes what the relay sends to capture agents
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RoleClientFacing:
		return "client-facing"
	case RoleSourceFacing:
		return "source-facing"
	case RoleClient:
		return "client"
	case RoleSource:
		return "source"
	default:
		return "unknown"
	}
}

type decodeState int

const (
	stateMagic decodeState = iota
	stateVersion
	stateHeaderType
	stateLength
	statePayload
	stateDispatch
)

// v0Body tracks progress through the fields of a V0 handshake body
type v0Body struct {
	step int
	kind Kind
	strs []string
}

func (b *v0Body) reset() {
	b.step = 0
	b.kind = 0
	b.strs = b.strs[:0]
}

// Decoder is a resumable, chunk-agnostic frame decoder for one connection.
// It is not safe for concurrent use.
type Decoder struct {
	role      Role
	maxPacket int

	in        inputBuffer
	state     decodeState
	version   Version
	msgType   MessageType
	length    int
	body      v0Body
	magicSeen bool
}

// NewDecoder creates a decoder in the initial state for role
func NewDecoder(role Role) *Decoder {
	d := &Decoder{
		role:      role,
		maxPacket: DefaultMaxPacketBytes,
	}
	d.state = d.initialState()
	return d
}

// SetMaxPacketBytes bounds every length-prefixed field
func (d *Decoder) SetMaxPacketBytes(n int) {
	if n > 0 {
		d.maxPacket = n
	}
}

// MagicSeen reports whether the connection produced the magic sentinel.
// It is always true for roles that do not expect one.
func (d *Decoder) MagicSeen() bool {
	return d.magicSeen || d.role != RoleClientFacing
}

// Buffered returns the number of bytes fed but not yet consumed
func (d *Decoder) Buffered() int {
	return d.in.readable()
}

// Feed appends newly received bytes
func (d *Decoder) Feed(p []byte) {
	d.in.append(p)
}

func (d *Decoder) initialState() decodeState {
	if d.role == RoleClientFacing {
		return stateMagic
	}
	return stateVersion
}

// Reset discards buffered input and returns to the initial state
func (d *Decoder) Reset() {
	d.in.reset()
	d.body.reset()
	d.state = d.initialState()
	d.length = 0
}

func (d *Decoder) needMore() (Message, error) {
	d.in.rewind()
	return nil, ErrNeedMore
}

func (d *Decoder) fail(err error) (Message, error) {
	var de *DecodeError
	if !errors.As(err, &de) {
		err = &DecodeError{Field: FieldPayload, Value: int64(d.msgType), Err: err}
	}
	d.Reset()
	return nil, err
}

func (d *Decoder) complete(msg Message) (Message, error) {
	d.body.reset()
	d.length = 0
	d.state = stateVersion
	return msg, nil
}

// Next returns the next complete message, ErrNeedMore, or a *DecodeError.
// After a DecodeError the decoder has been reset and its buffered input discarded.
func (d *Decoder) Next() (Message, error) {
	for {
		d.in.markPos()
		switch d.state {
		case stateMagic:
			p, ok := d.in.next(len(Magic))
			if !ok {
				return d.needMore()
			}
			if !bytes.Equal(p, Magic[:]) {
				return d.fail(decodeErr(FieldMagic, 0, "unexpected sentinel %x", p))
			}
			d.magicSeen = true
			d.state = stateVersion

		case stateVersion:
			v, ok := d.in.u16()
			if !ok {
				return d.needMore()
			}
			d.version = Version(v)
			if !d.acceptsVersion(d.version) {
				return d.fail(decodeErr(FieldVersion, int64(v), "unsupported on %s connection", d.role))
			}
			if d.version == V0 {
				d.state = stateHeaderType
			} else {
				d.state = stateLength
			}

		case stateHeaderType:
			t, ok := d.in.u32()
			if !ok {
				return d.needMore()
			}
			d.msgType = MessageType(int32(t))
			if !d.acceptsType(V0, d.msgType) {
				return d.fail(decodeErr(FieldHeaderType, int64(d.msgType), "unexpected %s on %s connection", d.msgType, d.role))
			}
			d.body.reset()
			d.state = stateDispatch

		case stateLength:
			n, ok := d.in.u32()
			if !ok {
				return d.needMore()
			}
			if n == 0 || int64(n) > int64(d.maxPacket) {
				return d.fail(decodeErr(FieldLength, int64(n), "envelope length out of range"))
			}
			d.length = int(n)
			d.state = statePayload

		case statePayload:
			p, ok := d.in.next(d.length)
			if !ok {
				return d.needMore()
			}
			env, err := unmarshalEnvelope(p, d.maxPacket)
			if err != nil {
				return d.fail(err)
			}
			d.msgType = env.Type
			if !d.acceptsType(V1, env.Type) {
				return d.fail(decodeErr(FieldHeaderType, int64(env.Type), "unexpected %s on %s connection", env.Type, d.role))
			}
			msg, err := decodeEnvelopeMessage(env)
			if err != nil {
				return d.fail(err)
			}
			return d.complete(msg)

		case stateDispatch:
			msg, err := d.dispatchV0()
			if err == ErrNeedMore {
				return nil, ErrNeedMore
			}
			if err != nil {
				return d.fail(err)
			}
			return d.complete(msg)
		}
	}
}

func (d *Decoder) acceptsVersion(v Version) bool {
	switch d.role {
	case RoleSourceFacing, RoleSource:
		return v == V0
	default:
		return v.Valid()
	}
}

func (d *Decoder) acceptsType(v Version, t MessageType) bool {
	switch d.role {
	case RoleClientFacing:
		return t == TypeHandshakeRequestClient
	case RoleSourceFacing:
		return t == TypeHandshakeRequestSource || t == TypeDataSource
	case RoleClient:
		switch t {
		case TypeHandshakeResponseClient, TypeErrorResponse, TypeDataClient:
			return true
		case TypeStatus:
			return v == V1
		}
	case RoleSource:
		return t == TypeHandshakeResponseSource || t == TypeErrorResponse
	}
	return false
}

// dispatchV0 decodes the body of a V0 message. It rewinds to the start of the
// unsatisfied field and returns ErrNeedMore when bytes run out.
func (d *Decoder) dispatchV0() (Message, error) {
	switch d.msgType {
	case TypeHandshakeRequestClient:
		return d.readClientHandshake()
	case TypeHandshakeRequestSource:
		return d.readSourceHandshake()
	case TypeDataSource:
		return d.readSourceData()
	case TypeHandshakeResponseClient:
		return d.readClientHandshakeResponse()
	case TypeHandshakeResponseSource:
		return d.readSourceHandshakeResponse()
	case TypeErrorResponse:
		return d.readErrorResponse()
	case TypeDataClient:
		return d.readClientData()
	default:
		return nil, decodeErr(FieldHeaderType, int64(d.msgType), "no decoder")
	}
}

// readString decodes one [4B length][bytes] field; zero length is illegal
func (d *Decoder) readString() (string, error) {
	d.in.markPos()
	n, ok := d.in.u32()
	if !ok {
		d.in.rewind()
		return "", ErrNeedMore
	}
	if n == 0 {
		return "", decodeErr(FieldString, 0, "empty string field")
	}
	if int64(n) > int64(d.maxPacket) {
		return "", decodeErr(FieldLength, int64(n), "string field exceeds %d bytes", d.maxPacket)
	}
	p, ok := d.in.next(int(n))
	if !ok {
		d.in.rewind()
		return "", ErrNeedMore
	}
	return string(p), nil
}

func (d *Decoder) readStrings(count int) error {
	for len(d.body.strs) < count {
		s, err := d.readString()
		if err != nil {
			return err
		}
		d.body.strs = append(d.body.strs, s)
	}
	return nil
}

func (d *Decoder) readClientHandshake() (Message, error) {
	if d.body.step == 0 {
		d.in.markPos()
		k, ok := d.in.u8()
		if !ok {
			d.in.rewind()
			return nil, ErrNeedMore
		}
		if !Kind(k).Valid() {
			return nil, decodeErr(FieldKind, int64(k), "unsupported capture kind")
		}
		d.body.kind = Kind(k)
		d.body.step = 1
	}
	if err := d.readStrings(4); err != nil {
		return nil, err
	}
	return &ClientHandshake{
		Version:       V0,
		Kind:          d.body.kind,
		ClientIP:      d.body.strs[0],
		ClientID:      d.body.strs[1],
		ClientVersion: d.body.strs[2],
		Configuration: d.body.strs[3],
	}, nil
}

func (d *Decoder) readSourceHandshake() (Message, error) {
	if err := d.readStrings(3); err != nil {
		return nil, err
	}
	return &SourceHandshake{
		ClientID:     d.body.strs[0],
		AgentVersion: d.body.strs[1],
		ProcessID:    d.body.strs[2],
	}, nil
}

func (d *Decoder) readSourceData() (Message, error) {
	d.in.markPos()
	n, ok := d.in.u32()
	if !ok {
		d.in.rewind()
		return nil, ErrNeedMore
	}
	length := int64(int32(n))
	if length < MinDataFrameLength {
		return nil, decodeErr(FieldLength, length, "data frame shorter than %d bytes", MinDataFrameLength)
	}
	if length > int64(d.maxPacket) {
		return nil, decodeErr(FieldLength, length, "data frame exceeds %d bytes", d.maxPacket)
	}
	if d.in.readable() < int(length) {
		d.in.rewind()
		return nil, ErrNeedMore
	}
	ts, _ := d.in.u64()
	ckpt, _ := d.in.u64()
	block, _ := d.in.copyN(int(length) - 16)

	p := NewPacket(int64(ts), int64(ckpt), block)
	p.Length = int(length)
	return p, nil
}

func (d *Decoder) readClientData() (Message, error) {
	d.in.markPos()
	n, ok := d.in.u32()
	if !ok {
		d.in.rewind()
		return nil, ErrNeedMore
	}
	if int64(n) > int64(d.maxPacket) {
		return nil, decodeErr(FieldLength, int64(n), "data exceeds %d bytes", d.maxPacket)
	}
	block, ok := d.in.copyN(int(n))
	if !ok {
		d.in.rewind()
		return nil, ErrNeedMore
	}
	return &ClientData{Version: V0, Block: block}, nil
}

func (d *Decoder) readClientHandshakeResponse() (Message, error) {
	d.in.markPos()
	code, ok := d.in.u32()
	if !ok {
		return d.needMore()
	}
	ip, ok := d.shortString()
	if !ok {
		return d.needMore()
	}
	version, ok := d.shortString()
	if !ok {
		return d.needMore()
	}
	return &ClientHandshakeResponse{
		Version:       V0,
		Code:          ResponseCode(int32(code)),
		ServerIP:      ip,
		ServerVersion: version,
	}, nil
}

func (d *Decoder) readSourceHandshakeResponse() (Message, error) {
	d.in.markPos()
	code, ok := d.in.u32()
	if !ok {
		return d.needMore()
	}
	version, ok, err := d.longString()
	if err != nil {
		return nil, err
	}
	if !ok {
		return d.needMore()
	}
	return &SourceHandshakeResponse{Code: ResponseCode(int32(code)), ServerVersion: version}, nil
}

func (d *Decoder) readErrorResponse() (Message, error) {
	d.in.markPos()
	code, ok := d.in.u32()
	if !ok {
		return d.needMore()
	}
	msg, ok, err := d.longString()
	if err != nil {
		return nil, err
	}
	if !ok {
		return d.needMore()
	}
	return &ErrorResponse{Version: V0, Code: ResponseCode(int32(code)), Message: msg}, nil
}

// shortString reads [1B length][bytes]
func (d *Decoder) shortString() (string, bool) {
	n, ok := d.in.u8()
	if !ok {
		return "", false
	}
	p, ok := d.in.next(int(n))
	if !ok {
		return "", false
	}
	return string(p), true
}

// longString reads [4B length][bytes] where zero length is allowed
func (d *Decoder) longString() (string, bool, error) {
	n, ok := d.in.u32()
	if !ok {
		return "", false, nil
	}
	if int64(n) > int64(d.maxPacket) {
		return "", false, decodeErr(FieldLength, int64(n), "string field exceeds %d bytes", d.maxPacket)
	}
	p, ok := d.in.next(int(n))
	if !ok {
		return "", false, nil
	}
	return string(p), true, nil
}
