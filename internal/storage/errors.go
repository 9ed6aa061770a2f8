package storage

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Structured error type (spec §7)
// ───────────────────────────────────────────────────────────────────────────
//
// Every user-visible error the engine returns is an *Error carrying a Kind
// from the fixed set spec §7 enumerates, a message, and an optional
// diagnostic payload (LSN/PageID/RowID/byte preview) so callers can log or
// inspect corruption context without parsing strings. The root package
// re-exports this type as scdb.Error so callers never import this internal
// package directly; Unwrap lets errors.Is/errors.As work against Cause in
// either case, the same idiom the teacher uses for its own wrapped errors.

// Kind enumerates the error categories spec §7 lists.
type Kind int

const (
	KindSchemaError Kind = iota
	KindConstraintViolation
	KindParseError
	KindWriteLockTimeout
	KindCancelled
	KindTransactionConflict
	KindIoError
	KindDiskFull
	KindNoSpace
	KindPageCorrupt
	KindChainCorrupt
	KindWalCorrupt
	KindBlobMissing
	KindBlobCorrupt
	KindRegistryCorrupt
	KindUnsupportedVersion
	KindCacheExhausted
)

func (k Kind) String() string {
	switch k {
	case KindSchemaError:
		return "SchemaError"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindParseError:
		return "ParseError"
	case KindWriteLockTimeout:
		return "WriteLockTimeout"
	case KindCancelled:
		return "Cancelled"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindIoError:
		return "IoError"
	case KindDiskFull:
		return "DiskFull"
	case KindNoSpace:
		return "NoSpace"
	case KindPageCorrupt:
		return "PageCorrupt"
	case KindChainCorrupt:
		return "ChainCorrupt"
	case KindWalCorrupt:
		return "WalCorrupt"
	case KindBlobMissing:
		return "BlobMissing"
	case KindBlobCorrupt:
		return "BlobCorrupt"
	case KindRegistryCorrupt:
		return "RegistryCorrupt"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindCacheExhausted:
		return "CacheExhausted"
	default:
		return "Unknown"
	}
}

// Diagnostics carries optional corruption/locality context attached to an
// Error, populated when the failure originates from a specific on-disk
// location.
type Diagnostics struct {
	LSN         uint64
	PageID      uint32
	RowID       int64
	BytePreview []byte
}

// Error is the single error type every engine operation returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Diag    *Diagnostics
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error target of the same Kind, so errors.Is(err,
// ErrWriteLockTimeout) or errors.Is(err, &Error{Kind: KindX}) compares by
// kind, in addition to the standard errors.As(&target) form.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ErrWriteLockTimeout is returned by TxManager.BeginWrite when the writer
// gate could not be acquired within the configured timeout.
var ErrWriteLockTimeout = &Error{Kind: KindWriteLockTimeout, Message: "timed out waiting for the write lock"}
