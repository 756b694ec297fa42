package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMore means the buffered bytes do not yet hold a complete field
var ErrNeedMore = errors.New("need more data")

// Field names the part of a frame that failed to decode
type Field string

const (
	FieldMagic        Field = "magic"
	FieldVersion      Field = "version"
	FieldHeaderType   Field = "header_type"
	FieldCompressType Field = "compress_type"
	FieldLength       Field = "length"
	FieldString       Field = "string"
	FieldKind         Field = "kind"
	FieldPayload      Field = "payload"
)

// DecodeError is a connection-fatal decoding failure
type DecodeError struct {
	Field Field
	Value int64
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s (%d): %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s (%d)", e.Field, e.Value)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(field Field, value int64, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Value: value, Err: fmt.Errorf(format, args...)}
}

// IsDecodeError reports whether err carries a DecodeError for the given field.
// An empty field matches any DecodeError.
func IsDecodeError(err error, field Field) bool {
	var de *DecodeError
	if !errors.As(err, &de) {
		return false
	}
	return field == "" || de.Field == field
}
