package scdb

import "github.com/scdb/scdb/internal/storage"

// Error and Kind are thin re-exports of internal/storage's structured error
// type (spec §7), so callers never need to import an internal package to
// use errors.As/errors.Is against a returned error.
type (
	Error = storage.Error
	Kind  = storage.Kind
)

const (
	KindSchemaError         = storage.KindSchemaError
	KindConstraintViolation = storage.KindConstraintViolation
	KindParseError          = storage.KindParseError
	KindWriteLockTimeout    = storage.KindWriteLockTimeout
	KindCancelled           = storage.KindCancelled
	KindTransactionConflict = storage.KindTransactionConflict
	KindIoError             = storage.KindIoError
	KindDiskFull            = storage.KindDiskFull
	KindNoSpace             = storage.KindNoSpace
	KindPageCorrupt         = storage.KindPageCorrupt
	KindChainCorrupt        = storage.KindChainCorrupt
	KindWalCorrupt          = storage.KindWalCorrupt
	KindBlobMissing         = storage.KindBlobMissing
	KindBlobCorrupt         = storage.KindBlobCorrupt
	KindRegistryCorrupt     = storage.KindRegistryCorrupt
	KindUnsupportedVersion  = storage.KindUnsupportedVersion
	KindCacheExhausted      = storage.KindCacheExhausted
)

// ErrWriteLockTimeout is returned when a writer could not acquire the write
// gate within the configured timeout (spec §5).
var ErrWriteLockTimeout = storage.ErrWriteLockTimeout
