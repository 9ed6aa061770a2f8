package pager

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Binary row codec
// ───────────────────────────────────────────────────────────────────────────
//
// Compact tagged-value encoding for row data stored in table B-trees. The
// format is allocation-light on the write path and covers the full semantic
// type set: 32/64-bit integers, IEEE-754 doubles, exact decimals (big.Rat),
// UTF-8 strings, blobs, booleans, ISO-8601 date-times, UUIDs (plain and
// sortable), and fixed-dimension float32 vectors — plus the row storage
// descriptor (inline / overflow chain head / external blob reference) a
// single oversized value is tagged with instead of its payload.
//
// Wire format per row:
//   [0:2]  ColumnCount (uint16 LE)
//   For each column:
//     [0]    TypeTag (uint8)
//     [1..]  Payload (variable, tag-dependent)

const (
	tagNil        byte = 0x00
	tagBool       byte = 0x01
	tagInt64      byte = 0x02
	tagFloat64    byte = 0x03
	tagString     byte = 0x04
	tagBytes      byte = 0x05
	tagInt32      byte = 0x06
	tagDecimal    byte = 0x07 // length-prefixed big.Rat.RatString()
	tagDateTime   byte = 0x08 // int64 unix nanoseconds
	tagUUID       byte = 0x09 // 16 raw bytes
	tagUUIDSort   byte = 0x0A // 16 raw bytes, time-ordered (UUIDv7-style)
	tagVector     byte = 0x0B // uint16 dim + dim*float32 LE
	tagChainHead  byte = 0x0C // overflow chain reference: first page + total length
	tagExternal   byte = 0x0D // external blob reference: uuid + size + sha256 digest
)

// ChainRef is the in-row descriptor for a value stored in an overflow page
// chain (spec §3/§9's "Deep inheritance" design note). OrigTag records
// whether the spilled value was a string or a blob, so reading it back
// through the tiering layer restores the original Go type instead of
// handing callers a bare []byte regardless of what was inserted.
type ChainRef struct {
	FirstPage PageID
	TotalLen  int64
	Digest    [32]byte // sha256 of the reassembled value, zero if unset
	OrigTag   byte     // tagString or tagBytes
}

// ExternalRef is the in-row descriptor for a value stored in an external
// blob file.
type ExternalRef struct {
	ID      uuid.UUID
	Size    int64
	Digest  [32]byte // sha256 of the blob contents
	OrigTag byte     // tagString or tagBytes
}

// MarshalRow encodes a row into the compact binary format. It reuses the
// provided buf if large enough.
func MarshalRow(row []any, buf []byte) []byte {
	est := 2 + len(row)*9
	if cap(buf) >= est {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, est)
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(row)))
	buf = append(buf, hdr[:]...)

	for _, v := range row {
		buf = appendValue(buf, v)
	}
	return buf
}

func appendValue(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		buf = append(buf, tagNil)
	case bool:
		buf = append(buf, tagBool)
		if val {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case int32:
		buf = append(buf, tagInt32)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(val))
		buf = append(buf, b[:]...)
	case int:
		buf = append(buf, tagInt64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(int64(val)))
		buf = append(buf, b[:]...)
	case int64:
		buf = append(buf, tagInt64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(val))
		buf = append(buf, b[:]...)
	case float64:
		buf = append(buf, tagFloat64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		buf = append(buf, b[:]...)
	case string:
		buf = appendLenPrefixed(buf, tagString, []byte(val))
	case []byte:
		buf = appendLenPrefixed(buf, tagBytes, val)
	case *big.Rat:
		buf = appendLenPrefixed(buf, tagDecimal, []byte(val.RatString()))
	case big.Rat:
		buf = appendLenPrefixed(buf, tagDecimal, []byte(val.RatString()))
	case time.Time:
		buf = append(buf, tagDateTime)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(val.UnixNano()))
		buf = append(buf, b[:]...)
	case uuid.UUID:
		buf = append(buf, tagUUID)
		buf = append(buf, val[:]...)
	case SortableUUID:
		buf = append(buf, tagUUIDSort)
		buf = append(buf, val[:]...)
	case []float32:
		buf = append(buf, tagVector)
		var dimB [2]byte
		binary.LittleEndian.PutUint16(dimB[:], uint16(len(val)))
		buf = append(buf, dimB[:]...)
		for _, f := range val {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			buf = append(buf, b[:]...)
		}
	case ChainRef:
		buf = append(buf, tagChainHead)
		var b [20]byte
		binary.LittleEndian.PutUint64(b[0:8], uint64(val.FirstPage))
		binary.LittleEndian.PutUint64(b[8:16], uint64(val.TotalLen))
		buf = append(buf, b[:]...)
		buf = append(buf, val.Digest[:]...)
		buf = append(buf, val.OrigTag)
	case ExternalRef:
		buf = append(buf, tagExternal)
		buf = append(buf, val.ID[:]...)
		var szB [8]byte
		binary.LittleEndian.PutUint64(szB[:], uint64(val.Size))
		buf = append(buf, szB[:]...)
		buf = append(buf, val.Digest[:]...)
		buf = append(buf, val.OrigTag)
	default:
		s := fmt.Sprint(val)
		buf = appendLenPrefixed(buf, tagString, []byte(s))
	}
	return buf
}

func appendLenPrefixed(buf []byte, tag byte, data []byte) []byte {
	buf = append(buf, tag)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(data)))
	buf = append(buf, b[:]...)
	return append(buf, data...)
}

// SortableUUID is a time-ordered 128-bit identifier (spec §3's
// "sortable 128-bit UUID"): lexicographic byte order matches creation
// order, unlike a random uuid.UUID.
type SortableUUID [16]byte

// NewSortableUUID generates a time-ordered identifier via uuid.NewV7
// (RFC 9562 version 7: 48-bit millisecond timestamp prefix followed by
// random bits), so byte-order comparison doubles as creation-order
// comparison without a separate timestamp column.
func NewSortableUUID() (SortableUUID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return SortableUUID{}, err
	}
	return SortableUUID(u), nil
}

func (s SortableUUID) String() string {
	return uuid.UUID(s).String()
}

// UnmarshalRow decodes a row from the compact binary format.
func UnmarshalRow(data []byte) ([]any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("row data too short")
	}
	colCount := int(binary.LittleEndian.Uint16(data[:2]))
	off := 2
	row := make([]any, colCount)

	for i := 0; i < colCount; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("unexpected end of row at column %d", i)
		}
		tag := data[off]
		off++

		v, n, err := decodeValue(tag, data[off:])
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = v
		off += n
	}
	return row, nil
}

func decodeValue(tag byte, data []byte) (any, int, error) {
	switch tag {
	case tagNil:
		return nil, 0, nil
	case tagBool:
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("truncated bool")
		}
		return data[0] != 0, 1, nil
	case tagInt32:
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("truncated int32")
		}
		return int32(binary.LittleEndian.Uint32(data[:4])), 4, nil
	case tagInt64:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data[:8])), 8, nil
	case tagFloat64:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("truncated float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[:8])), 8, nil
	case tagString:
		s, n, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, 0, err
		}
		return string(s), n, nil
	case tagBytes:
		b, n, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, 0, err
		}
		dst := make([]byte, len(b))
		copy(dst, b)
		return dst, n, nil
	case tagDecimal:
		s, n, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, 0, err
		}
		r := new(big.Rat)
		if _, ok := r.SetString(string(s)); !ok {
			return nil, 0, fmt.Errorf("invalid decimal %q", s)
		}
		return r, n, nil
	case tagDateTime:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("truncated datetime")
		}
		nanos := int64(binary.LittleEndian.Uint64(data[:8]))
		return time.Unix(0, nanos).UTC(), 8, nil
	case tagUUID:
		if len(data) < 16 {
			return nil, 0, fmt.Errorf("truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], data[:16])
		return u, 16, nil
	case tagUUIDSort:
		if len(data) < 16 {
			return nil, 0, fmt.Errorf("truncated sortable uuid")
		}
		var u SortableUUID
		copy(u[:], data[:16])
		return u, 16, nil
	case tagVector:
		if len(data) < 2 {
			return nil, 0, fmt.Errorf("truncated vector dim")
		}
		dim := int(binary.LittleEndian.Uint16(data[:2]))
		off := 2
		if len(data) < off+dim*4 {
			return nil, 0, fmt.Errorf("truncated vector data")
		}
		vec := make([]float32, dim)
		for i := 0; i < dim; i++ {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
		return vec, off, nil
	case tagChainHead:
		if len(data) < 20+32+1 {
			return nil, 0, fmt.Errorf("truncated chain ref")
		}
		ref := ChainRef{
			FirstPage: PageID(binary.LittleEndian.Uint64(data[0:8])),
			TotalLen:  int64(binary.LittleEndian.Uint64(data[8:16])),
		}
		copy(ref.Digest[:], data[20:52])
		ref.OrigTag = data[52]
		return ref, 53, nil
	case tagExternal:
		if len(data) < 16+8+32+1 {
			return nil, 0, fmt.Errorf("truncated external ref")
		}
		var ref ExternalRef
		copy(ref.ID[:], data[0:16])
		ref.Size = int64(binary.LittleEndian.Uint64(data[16:24]))
		copy(ref.Digest[:], data[24:56])
		ref.OrigTag = data[56]
		return ref, 57, nil
	default:
		return nil, 0, fmt.Errorf("unknown tag 0x%02x", tag)
	}
}

func decodeLenPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	l := int(binary.LittleEndian.Uint16(data[:2]))
	if len(data) < 2+l {
		return nil, 0, fmt.Errorf("truncated payload")
	}
	return data[2 : 2+l], 2 + l, nil
}
