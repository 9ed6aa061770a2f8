// Package storage holds the type system, schema model, transaction manager,
// and background maintenance that sit above the page store (see
// internal/storage/pager) and below the SQL surface (see internal/engine).
//
// What: ColType/Collation/Column/TableSchema describe the data model of
// spec §3 — fixed column order per table, typed values, collation-tagged
// strings, primary/secondary index definitions.
// How: Plain structs, serialized into sys:metadata via the pager's catalog
// (see pager.Catalog's PutSchema/GetSchema) rather than Go's encoding/gob —
// the teacher's GOB-snapshot model is replaced by the page-resident catalog
// B-tree spec §4.1/§9 calls for.
// Why: A typed, explicit schema model keeps constraint checking and the row
// codec in lock-step without reflection.
package storage

import "fmt"

// ColType enumerates the semantic types spec §3 requires a row value to
// carry. The set matches spec's "Supported semantic types" list exactly —
// no more, no less (the teacher's ColType carried ~25 Go-flavoured types;
// most have no spec-mandated wire representation and are dropped).
type ColType int

const (
	IntType      ColType = iota // 32-bit signed integer
	BigIntType                  // 64-bit signed integer
	DoubleType                  // IEEE-754 double
	DecimalType                 // exact decimal (math/big.Rat)
	StringType                  // UTF-8 string, optionally collation-tagged
	BlobType                    // byte blob
	BoolType                    // boolean
	DateTimeType                // ISO-8601 date-time
	UUIDType                    // UUID
	UUIDSortableType            // sortable 128-bit UUID (time-ordered)
	VectorType                  // fixed-dimension float32 vector
)

func (t ColType) String() string {
	switch t {
	case IntType:
		return "INT"
	case BigIntType:
		return "BIGINT"
	case DoubleType:
		return "DOUBLE"
	case DecimalType:
		return "DECIMAL"
	case StringType:
		return "TEXT"
	case BlobType:
		return "BLOB"
	case BoolType:
		return "BOOL"
	case DateTimeType:
		return "DATETIME"
	case UUIDType:
		return "UUID"
	case UUIDSortableType:
		return "UUID_SORTABLE"
	case VectorType:
		return "VECTOR"
	default:
		return fmt.Sprintf("ColType(%d)", int(t))
	}
}

// Collation names the comparison/hash discipline for string values (spec §3,
// §4.8). Byte-exact is the default when a column carries no COLLATE clause.
type Collation int

const (
	CollateBinary Collation = iota // byte-exact
	CollateNoCase                 // ASCII case-insensitive
	CollateRTrim                  // right-trim-spaces
	CollateUnicode                // Unicode case/accent-insensitive
	CollateLocale                 // locale-tagged (IETF tag carried alongside)
)

func (c Collation) String() string {
	switch c {
	case CollateBinary:
		return "BINARY"
	case CollateNoCase:
		return "NOCASE"
	case CollateRTrim:
		return "RTRIM"
	case CollateUnicode:
		return "UNICODE"
	case CollateLocale:
		return "LOCALE"
	default:
		return fmt.Sprintf("Collation(%d)", int(c))
	}
}

// ParseCollation maps a DDL collation name (spec §6: BINARY, NOCASE, RTRIM,
// UNICODE, LOCALE("<ietf-tag>")) to a Collation. For LOCALE, localeTag must
// be non-empty; it is only checked, not returned. An unknown name fails loudly — spec §6 requires this never silently
// degrade to binary collation.
func ParseCollation(name, localeTag string) (Collation, error) {
	switch upper(name) {
	case "", "BINARY":
		return CollateBinary, nil
	case "NOCASE":
		return CollateNoCase, nil
	case "RTRIM":
		return CollateRTrim, nil
	case "UNICODE":
		return CollateUnicode, nil
	case "LOCALE":
		if localeTag == "" {
			return 0, fmt.Errorf("COLLATE LOCALE requires an IETF tag, e.g. LOCALE(\"en-US\")")
		}
		return CollateLocale, nil
	default:
		return 0, fmt.Errorf("unknown collation %q", name)
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// IndexKind distinguishes the two index structures spec §4.8 describes.
type IndexKind int

const (
	IndexBTree IndexKind = iota
	IndexHash
)

func (k IndexKind) String() string {
	if k == IndexHash {
		return "HASH"
	}
	return "BTREE"
}

// Column describes one column of a table schema (spec §3: "Table schema").
type Column struct {
	Name       string
	Type       ColType
	Nullable   bool
	Default    any
	Collation  Collation
	LocaleTag  string // only meaningful when Collation == CollateLocale
	VectorDim  int    // only meaningful when Type == VectorType
}

// IndexDef describes a secondary index definition.
type IndexDef struct {
	Name    string
	Table   string
	Column  string
	Kind    IndexKind
	RootPtr uint32 // pager.PageID of the index's root page, filled in on create
}

// TableSchema is the full, self-describing schema record stored in
// sys:metadata (spec §3). Column order is fixed and significant: it is the
// order row values are encoded in by the row codec.
type TableSchema struct {
	Name       string
	Columns    []Column
	PrimaryKey []string // ordered PK column names; len>1 = composite key
	Indexes    []IndexDef
	CreatedAt  int64 // unix seconds
	TableRoot  uint32 // pager.PageID of this table's B-tree root
}

// ColumnIndex returns the position of a column by name, or -1.
func (s *TableSchema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if equalFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool { return upper(a) == upper(b) }

// PrimaryKeyIndexes returns the column positions making up the primary key,
// in declared PK order.
func (s *TableSchema) PrimaryKeyIndexes() []int {
	out := make([]int, 0, len(s.PrimaryKey))
	for _, name := range s.PrimaryKey {
		out = append(out, s.ColumnIndex(name))
	}
	return out
}
