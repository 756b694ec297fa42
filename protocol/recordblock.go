package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compress encodes src as one raw LZ4 block
func LZ4Compress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, errors.New("lz4 compress: empty output")
	}
	return dst[:n], nil
}

// LZ4Decompress decodes one raw LZ4 block that must expand to exactly originalLen bytes
func LZ4Decompress(src []byte, originalLen int) ([]byte, error) {
	if originalLen < 0 {
		return nil, decodeErr(FieldLength, int64(originalLen), "negative original length")
	}
	if originalLen == 0 {
		if len(src) != 0 {
			return nil, decodeErr(FieldLength, 0, "non-empty lz4 block for empty payload")
		}
		return []byte{}, nil
	}
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, &DecodeError{Field: FieldLength, Value: int64(originalLen), Err: err}
	}
	if n != originalLen {
		return nil, decodeErr(FieldLength, int64(n), "lz4 block expanded to %d bytes, expected %d", n, originalLen)
	}
	return dst, nil
}

// SubBlock is one independently decompressible unit of a record block
type SubBlock struct {
	Compress    CompressType
	OriginalLen int
	Data        []byte
}

// Plain returns the decompressed content of the sub-block
func (s SubBlock) Plain() ([]byte, error) {
	switch s.Compress {
	case CompressNone:
		if len(s.Data) != s.OriginalLen {
			return nil, decodeErr(FieldLength, int64(len(s.Data)), "uncompressed sub-block length mismatch")
		}
		return s.Data, nil
	case CompressLZ4:
		return LZ4Decompress(s.Data, s.OriginalLen)
	default:
		return nil, decodeErr(FieldCompressType, int64(s.Compress), "unsupported compress type")
	}
}

// ForEachSubBlock walks the sub-blocks of a record block without decompressing them
func ForEachSubBlock(block []byte, fn func(SubBlock) error) error {
	for off := 0; off < len(block); {
		if len(block)-off < subBlockHeaderLen {
			return decodeErr(FieldLength, int64(len(block)-off), "truncated sub-block header")
		}
		compress := CompressType(block[off])
		if !compress.Valid() {
			return decodeErr(FieldCompressType, int64(compress), "unsupported compress type")
		}
		origLen := int(binary.BigEndian.Uint32(block[off+1:]))
		compLen := int(binary.BigEndian.Uint32(block[off+5:]))
		off += subBlockHeaderLen
		if compLen < 0 || compLen > len(block)-off {
			return decodeErr(FieldLength, int64(compLen), "sub-block exceeds record block")
		}
		if err := fn(SubBlock{Compress: compress, OriginalLen: origLen, Data: block[off : off+compLen]}); err != nil {
			return err
		}
		off += compLen
	}
	return nil
}

// AppendSubBlock frames payload as a sub-block. LZ4 falls back to none when it does not shrink the payload.
func AppendSubBlock(dst []byte, payload []byte, compress CompressType) ([]byte, error) {
	if !compress.Valid() {
		return nil, decodeErr(FieldCompressType, int64(compress), "unsupported compress type")
	}
	data := payload
	if compress == CompressLZ4 {
		compressed, err := LZ4Compress(payload)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(payload) {
			data = compressed
		} else {
			compress = CompressNone
		}
	}

	var hdr [subBlockHeaderLen]byte
	hdr[0] = byte(compress)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[5:], uint32(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, data...), nil
}

// AppendRecords serializes records as [4B index LE][4B length LE][bytes] entries
func AppendRecords(dst []byte, records [][]byte) []byte {
	var hdr [recordHeaderLen]byte
	for i, r := range records {
		binary.LittleEndian.PutUint32(hdr[0:], uint32(i))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(r)))
		dst = append(dst, hdr[:]...)
		dst = append(dst, r...)
	}
	return dst
}

// EncodeRecordBlock packs records into a record block holding a single sub-block
func EncodeRecordBlock(records [][]byte, compress CompressType) ([]byte, error) {
	return AppendSubBlock(nil, AppendRecords(nil, records), compress)
}

// SplitRecords splits decompressed sub-block content into records
func SplitRecords(plain []byte, fn func(index uint32, record []byte) error) error {
	for off := 0; off < len(plain); {
		if len(plain)-off < recordHeaderLen {
			return decodeErr(FieldLength, int64(len(plain)-off), "truncated record header")
		}
		index := binary.LittleEndian.Uint32(plain[off:])
		size := int(binary.LittleEndian.Uint32(plain[off+4:]))
		off += recordHeaderLen
		if size < 0 || size > len(plain)-off {
			return decodeErr(FieldLength, int64(size), "record exceeds sub-block")
		}
		if err := fn(index, plain[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// DecodeRecordBlock decompresses every sub-block and returns the contained records in order
func DecodeRecordBlock(block []byte) ([][]byte, error) {
	var records [][]byte
	err := ForEachSubBlock(block, func(sb SubBlock) error {
		plain, err := sb.Plain()
		if err != nil {
			return err
		}
		return SplitRecords(plain, func(_ uint32, record []byte) error {
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountRecords returns the number of records in a record block
func CountRecords(block []byte) (int, error) {
	count := 0
	err := ForEachSubBlock(block, func(sb SubBlock) error {
		plain, err := sb.Plain()
		if err != nil {
			return err
		}
		return SplitRecords(plain, func(uint32, []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

// Recompress LZ4-compresses uncompressed sub-blocks of at least threshold bytes.
// The input is returned untouched when threshold is not positive or nothing qualifies.
func Recompress(block []byte, threshold int) ([]byte, error) {
	if threshold <= 0 {
		return block, nil
	}
	qualifies := false
	if err := ForEachSubBlock(block, func(sb SubBlock) error {
		if sb.Compress == CompressNone && sb.OriginalLen >= threshold {
			qualifies = true
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if !qualifies {
		return block, nil
	}

	out := make([]byte, 0, len(block))
	err := ForEachSubBlock(block, func(sb SubBlock) error {
		var err error
		if sb.Compress == CompressNone && sb.OriginalLen >= threshold {
			out, err = AppendSubBlock(out, sb.Data, CompressLZ4)
			return err
		}
		var hdr [subBlockHeaderLen]byte
		hdr[0] = byte(sb.Compress)
		binary.BigEndian.PutUint32(hdr[1:], uint32(sb.OriginalLen))
		binary.BigEndian.PutUint32(hdr[5:], uint32(len(sb.Data)))
		out = append(out, hdr[:]...)
		out = append(out, sb.Data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
