package client

import (
	"errors"
	"fmt"

	"github.com/maxpert/cdcrelay/protocol"
)

// ErrorCode classifies client failures. Codes from 500 up describe bad data received from the relay.
type ErrorCode int

const (
	ENone         ErrorCode = 0
	EInner        ErrorCode = 1
	EConnect      ErrorCode = 2
	EMaxReconnect ErrorCode = 3
	EUser         ErrorCode = 4

	EProtocol     ErrorCode = 500
	EHeaderType   ErrorCode = 501
	ENoAuth       ErrorCode = 502
	ECompressType ErrorCode = 503
	ELen          ErrorCode = 504
	EParse        ErrorCode = 505
)

func (c ErrorCode) String() string {
	switch c {
	case ENone:
		return "NONE"
	case EInner:
		return "E_INNER"
	case EConnect:
		return "E_CONNECT"
	case EMaxReconnect:
		return "E_MAX_RECONNECT"
	case EUser:
		return "E_USER"
	case EProtocol:
		return "E_PROTOCOL"
	case EHeaderType:
		return "E_HEADER_TYPE"
	case ENoAuth:
		return "NO_AUTH"
	case ECompressType:
		return "E_COMPRESS_TYPE"
	case ELen:
		return "E_LEN"
	case EParse:
		return "E_PARSE"
	default:
		return fmt.Sprintf("E(%d)", int(c))
	}
}

// NeedStop reports whether a failure with this code must end the stream instead of reconnecting
func (c ErrorCode) NeedStop() bool {
	switch c {
	case EMaxReconnect, EProtocol, EHeaderType, ENoAuth, ECompressType, ELen, EParse:
		return true
	}
	return false
}

// Error is the failure type surfaced to listeners
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Code extracts the ErrorCode of err, EInner when err is not an *Error
func Code(err error) ErrorCode {
	if err == nil {
		return ENone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EInner
}

// classifyDecodeError maps a decoder failure to the matching client error
func classifyDecodeError(err error) *Error {
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		return newError(EParse, "decode failed", err)
	}
	switch de.Field {
	case protocol.FieldVersion, protocol.FieldMagic:
		return newError(EProtocol, "unsupported protocol version", err)
	case protocol.FieldHeaderType:
		return newError(EHeaderType, "unexpected header type", err)
	case protocol.FieldCompressType:
		return newError(ECompressType, "unsupported compress type", err)
	case protocol.FieldLength:
		return newError(ELen, "bad length", err)
	default:
		return newError(EParse, "malformed message", err)
	}
}

// classifyResponse maps a relay error response to a client error. Agent start failures are
// retryable because the relay may still be tearing down a previous binding for the same id.
func classifyResponse(code protocol.ResponseCode, message string) *Error {
	switch code {
	case protocol.CodeNoAuth:
		return newError(ENoAuth, "relay refused handshake: "+message, nil)
	case protocol.CodeErrPacket:
		return newError(EProtocol, "relay rejected packet: "+message, nil)
	case protocol.CodeErrConfig:
		return newError(EParse, "relay rejected configuration: "+message, nil)
	default:
		return newError(EConnect, fmt.Sprintf("relay error %s: %s", code, message), nil)
	}
}
