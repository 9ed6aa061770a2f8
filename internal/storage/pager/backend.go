// Package pager implements the page-based storage engine: superblock,
// WAL, buffer pool, B-tree/hash indexes, row codec, and the catalog that
// ties table schemas to their B-tree roots. PageBackend is the package's
// top-level entry point, wired into the root package's engine façade
// (scdb.go).
package pager

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/scdb/scdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// PageBackend
// ───────────────────────────────────────────────────────────────────────────

// PageBackendConfig configures the page-based storage backend.
type PageBackendConfig struct {
	Path          string // database file path (.db)
	PageSize      int    // 0 = DefaultPageSize (8 KiB)
	MaxCachePages int    // buffer pool size (0 = default 1024)
}

// PageBackend implements a disk-based, single-writer/many-reader store
// backed by one B-tree per table, a WAL for crash safety, and a page
// buffer pool.
type PageBackend struct {
	mu       sync.RWMutex
	pager    *Pager
	catalog  *Catalog
	registry *Registry
	config   PageBackendConfig
	closed   bool

	inlineThreshold   int
	overflowThreshold int
	blobs             *BlobStore

	syncCount     atomic.Int64
	loadCount     atomic.Int64
	evictionCount atomic.Int64
}

// NewPageBackend opens or creates a page-based database.
func NewPageBackend(cfg PageBackendConfig) (*PageBackend, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}

	walPath := cfg.Path + ".wal"

	pager, err := OpenPager(PagerConfig{
		DBPath:        cfg.Path,
		WALPath:       walPath,
		PageSize:      ps,
		MaxCachePages: cfg.MaxCachePages,
	})
	if err != nil {
		return nil, fmt.Errorf("open page backend: %w", err)
	}

	txID, err := pager.BeginTx()
	if err != nil {
		pager.Close()
		return nil, err
	}
	cat, err := OpenCatalog(pager, txID)
	if err != nil {
		pager.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	pager.UpdateSuperblock(func(sb *Superblock) {
		sb.CatalogRoot = cat.Root()
	})

	reg, err := OpenRegistry(pager, txID)
	if err != nil {
		pager.Close()
		return nil, fmt.Errorf("open block registry: %w", err)
	}
	if err := reg.Put(txID, blockNameCatalog, Extent{Kind: BlockMetadata, RootPage: cat.Root()}); err != nil {
		pager.Close()
		return nil, fmt.Errorf("register catalog block: %w", err)
	}
	if err := reg.Put(txID, blockNameFreeSpace, Extent{Kind: BlockFSM, RootPage: pager.Superblock().FreeListRoot}); err != nil {
		pager.Close()
		return nil, fmt.Errorf("register free-space block: %w", err)
	}

	if err := pager.CommitTx(txID); err != nil {
		pager.Close()
		return nil, err
	}

	return &PageBackend{
		pager:    pager,
		catalog:  cat,
		registry: reg,
		config:   cfg,
	}, nil
}

// ── Named block registry (spec §3/§4.1) ─────────────────────────────────────
//
// The registry (registry.go) gives every container block — the row store
// per table, each secondary index, the metadata block, the free-space map —
// a stable name (sys:catalog, sys:freelist, table:<name>, idx:<table>:<col>)
// independent of the PageID its contents happen to live at, the same
// separation the superblock already keeps between "where is the catalog"
// (CatalogRoot) and "what tables does it list" (catalog.ListTables). Unlike
// the superblock's two hardcoded roots, the registry scales to an arbitrary
// number of named blocks without growing the superblock layout.

const (
	blockNameCatalog   = "sys:catalog"
	blockNameFreeSpace = "sys:freelist"
)

func blockNameForTable(table string) string { return "table:" + table }

func blockNameForIndex(table, column string) string { return "idx:" + table + ":" + column }

// Registry exposes the block registry for inspection (pager.VerifyRegistry)
// and for the engine's index-maintenance path.
func (pb *PageBackend) Registry() *Registry {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.registry
}

// SetOverflowPolicy configures the size thresholds SaveTable/LoadTable
// consult when deciding how a string/blob column value is stored: inline in
// the row (small), a page-chain ChainRef (mid-size, pager.WriteChain/
// ReadChain), or — when blobs is non-nil — a BlobStore ExternalRef (large).
// A zero threshold disables that tier. Must be called before the backend's
// first SaveTable/LoadTable if spilling is to apply to existing writes.
func (pb *PageBackend) SetOverflowPolicy(inlineThreshold, overflowThreshold int, blobs *BlobStore) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.inlineThreshold = inlineThreshold
	pb.overflowThreshold = overflowThreshold
	pb.blobs = blobs
}

// tierValue decides, for one row value being written, whether it stays
// inline or is spilled to a chain/blob tier. spilled reports whether the
// returned value replaces v (a ChainRef/ExternalRef) or is v itself — a
// plain `!=` can't tell the two apart, since comparing two any values
// holding []byte panics.
func (pb *PageBackend) tierValue(txID TxID, v any, owner BlobOwner) (result any, spilled bool, err error) {
	var data []byte
	var origTag byte
	switch val := v.(type) {
	case string:
		data, origTag = []byte(val), tagString
	case []byte:
		data, origTag = val, tagBytes
	default:
		return v, false, nil
	}

	switch {
	case pb.overflowThreshold > 0 && len(data) > pb.overflowThreshold && pb.blobs != nil:
		ref, err := pb.blobs.Put(data, owner)
		if err != nil {
			return nil, false, fmt.Errorf("spill value to blob store: %w", err)
		}
		ref.OrigTag = origTag
		return ref, true, nil
	case pb.inlineThreshold > 0 && len(data) > pb.inlineThreshold:
		ref, err := WriteChain(pb.pager, txID, data)
		if err != nil {
			return nil, false, fmt.Errorf("spill value to overflow chain: %w", err)
		}
		ref.OrigTag = origTag
		return ref, true, nil
	default:
		return v, false, nil
	}
}

// untierValue resolves a ChainRef/ExternalRef read back from storage into
// the original string/[]byte value, transparent to every caller above
// PageBackend. Any other value passes through unchanged.
func (pb *PageBackend) untierValue(v any) (any, error) {
	switch ref := v.(type) {
	case ChainRef:
		data, err := ReadChain(pb.pager, ref)
		if err != nil {
			return nil, fmt.Errorf("read overflow chain: %w", err)
		}
		return restoreOrigTag(ref.OrigTag, data), nil
	case ExternalRef:
		if pb.blobs == nil {
			return nil, fmt.Errorf("row references external blob %s but no blob store is configured", ref.ID)
		}
		data, err := pb.blobs.Get(ref)
		if err != nil {
			return nil, fmt.Errorf("read external blob: %w", err)
		}
		return restoreOrigTag(ref.OrigTag, data), nil
	default:
		return v, nil
	}
}

func restoreOrigTag(tag byte, data []byte) any {
	if tag == tagBytes {
		return data
	}
	return string(data)
}

// freeOverflowValues releases every ChainRef/ExternalRef page chain or blob
// referenced by rootID's rows, called before a table's tree is dropped so a
// bulk rewrite (SaveTable) or DeleteTable doesn't leak the out-of-tree
// storage a spilled value occupies.
func (pb *PageBackend) freeOverflowValues(rootID PageID) {
	bt := NewBTree(pb.pager, rootID)
	_ = bt.ScanRange(RowKey(0), nil, func(key, val []byte) bool {
		row, err := UnmarshalRow(val)
		if err != nil {
			return true
		}
		for _, v := range row {
			switch ref := v.(type) {
			case ChainRef:
				FreeChain(pb.pager, ref)
			case ExternalRef:
				if pb.blobs != nil {
					_ = pb.blobs.Delete(ref)
				}
			}
		}
		return true
	})
}

// ── Table I/O ─────────────────────────────────────────────────────────────

// TableData is the pager-level representation of a table's contents, keyed
// by its catalog schema.
type TableData struct {
	Schema storage.TableSchema
	Rows   [][]any
}

// LoadTable retrieves all rows of a table from its B-tree.
func (pb *PageBackend) LoadTable(name string) (*TableData, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	pb.loadCount.Add(1)

	schema, err := pb.catalog.GetSchema(name)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, nil // not found
	}

	bt := NewBTree(pb.pager, PageID(schema.TableRoot))
	var rows [][]any
	var untierErr error
	err = bt.ScanRange(nil, nil, func(key, val []byte) bool {
		row, decErr := UnmarshalRow(val)
		if decErr != nil {
			return false
		}
		for i, v := range row {
			resolved, uErr := pb.untierValue(v)
			if uErr != nil {
				untierErr = fmt.Errorf("table %s: %w", name, uErr)
				return false
			}
			row[i] = resolved
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	if untierErr != nil {
		return nil, untierErr
	}

	return &TableData{Schema: *schema, Rows: rows}, nil
}

// SaveTable persists all rows of a table into a B-tree, replacing the
// table's entire prior contents (drop + recreate of the tree, mirroring
// the teacher's original bulk-rewrite strategy).
func (pb *PageBackend) SaveTable(td *TableData) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	txID, err := pb.pager.BeginTx()
	if err != nil {
		return err
	}

	existing, _ := pb.catalog.GetSchema(td.Schema.Name)
	if existing != nil && existing.TableRoot != 0 {
		pb.freeOverflowValues(PageID(existing.TableRoot))
		NewBTree(pb.pager, PageID(existing.TableRoot)).FreeAllPages()
	}

	bt, err := CreateBTree(pb.pager, txID)
	if err != nil {
		pb.pager.AbortTx(txID)
		return err
	}

	pkIdx := td.Schema.PrimaryKeyIndexes()

	var encBuf []byte
	for i, row := range td.Rows {
		tiered := row
		copied := false
		for j, v := range row {
			owner := BlobOwner{Table: td.Schema.Name, RowID: int64(i)}
			if j < len(td.Schema.Columns) {
				owner.Column = td.Schema.Columns[j].Name
			}
			rv, spilled, tErr := pb.tierValue(txID, v, owner)
			if tErr != nil {
				pb.pager.AbortTx(txID)
				return fmt.Errorf("row %d: %w", i, tErr)
			}
			if spilled {
				if !copied {
					tiered = append([]any(nil), row...)
					copied = true
				}
				tiered[j] = rv
			}
		}
		key := RowKey(int64(i))
		if len(pkIdx) > 0 {
			pkVals := make([]any, len(pkIdx))
			for j, idx := range pkIdx {
				if idx >= 0 && idx < len(tiered) {
					pkVals[j] = tiered[idx]
				}
			}
			key = PKRowKey(pkVals)
		}
		encBuf = MarshalRow(tiered, encBuf)
		val := make([]byte, len(encBuf))
		copy(val, encBuf)
		if err := bt.Insert(txID, key, val); err != nil {
			pb.pager.AbortTx(txID)
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}

	td.Schema.TableRoot = uint32(bt.Root())
	if err := pb.catalog.PutSchema(txID, td.Schema); err != nil {
		pb.pager.AbortTx(txID)
		return err
	}
	pb.pager.UpdateSuperblock(func(sb *Superblock) {
		sb.CatalogRoot = pb.catalog.Root()
	})
	if pb.registry != nil {
		if err := pb.registry.Put(txID, blockNameForTable(td.Schema.Name), Extent{Kind: BlockRowStore, RootPage: bt.Root()}); err != nil {
			pb.pager.AbortTx(txID)
			return fmt.Errorf("register table block: %w", err)
		}
		pb.pager.UpdateSuperblock(func(sb *Superblock) {
			sb.RegistryRoot = pb.registry.Root()
		})
	}

	return pb.pager.CommitTx(txID)
}

// DeleteTable removes a table from the catalog and frees its pages.
func (pb *PageBackend) DeleteTable(name string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	schema, _ := pb.catalog.GetSchema(name)

	txID, err := pb.pager.BeginTx()
	if err != nil {
		return err
	}

	if schema != nil && schema.TableRoot != 0 {
		pb.freeOverflowValues(PageID(schema.TableRoot))
		NewBTree(pb.pager, PageID(schema.TableRoot)).FreeAllPages()
	}

	if err := pb.catalog.DeleteSchema(txID, name); err != nil {
		pb.pager.AbortTx(txID)
		return err
	}
	if pb.registry != nil {
		if err := pb.registry.Delete(txID, blockNameForTable(name)); err != nil {
			pb.pager.AbortTx(txID)
			return fmt.Errorf("deregister table block: %w", err)
		}
		pb.pager.UpdateSuperblock(func(sb *Superblock) {
			sb.RegistryRoot = pb.registry.Root()
		})
	}
	return pb.pager.CommitTx(txID)
}

// ListTableNames returns all table names currently registered.
func (pb *PageBackend) ListTableNames() ([]string, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.catalog.ListTables()
}

// TableExists reports whether a table exists in the catalog.
func (pb *PageBackend) TableExists(name string) bool {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	schema, _ := pb.catalog.GetSchema(name)
	return schema != nil
}

// GetSchema returns a table's schema, or nil if it does not exist.
func (pb *PageBackend) GetSchema(name string) (*storage.TableSchema, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.catalog.GetSchema(name)
}

// Sync performs a checkpoint.
func (pb *PageBackend) Sync() error {
	pb.syncCount.Add(1)
	return pb.pager.Checkpoint()
}

// Close performs a final checkpoint and closes all files.
func (pb *PageBackend) Close() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.closed {
		return nil
	}
	pb.closed = true
	return pb.pager.Close()
}

// Pager returns the underlying pager (for inspection tools).
func (pb *PageBackend) Pager() *Pager { return pb.pager }

// Stats returns operational statistics.
func (pb *PageBackend) Stats() PageBackendStats {
	sb := pb.pager.Superblock()
	return PageBackendStats{
		PageSize:      int(sb.PageSize),
		PageCount:     sb.PageCount,
		FreePages:     pb.pager.freeMgr.Count(),
		CheckpointLSN: sb.CheckpointLSN,
		NextTxID:      sb.NextTxID,
		SyncCount:     pb.syncCount.Load(),
		LoadCount:     pb.loadCount.Load(),
		DBPath:        pb.config.Path,
		WALPath:       pb.config.Path + ".wal",
	}
}

// PageBackendStats holds operational metrics.
type PageBackendStats struct {
	PageSize      int
	PageCount     uint64
	FreePages     int
	CheckpointLSN LSN
	NextTxID      TxID
	SyncCount     int64
	LoadCount     int64
	DBPath        string
	WALPath       string
}

// DBPath returns the database file path.
func (pb *PageBackend) DBPath() string {
	return filepath.Clean(pb.config.Path)
}
