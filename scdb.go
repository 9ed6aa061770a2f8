// Package scdb is the embedded, single-process relational storage engine's
// public entry point: open/create a container, run SQL against it, and
// manage its background housekeeping. Everything under internal/ is wired
// together here the way the teacher's tinysql.go wires storage/compile/
// engine into one public surface — a thin façade, not where the real work
// happens.
package scdb

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scdb/scdb/internal/engine"
	"github.com/scdb/scdb/internal/storage"
	"github.com/scdb/scdb/internal/storage/pager"
)

// Engine is an open database: one container file, its WAL, its blob store,
// and the SQL surface over all three.
type Engine struct {
	cfg       EngineConfig
	backend   *pager.PageBackend
	txm       *storage.TxManager
	exec      *engine.Executor
	cache     *engine.PlanCache
	blobs     *pager.BlobStore
	scheduler *storage.Scheduler
	log       zerolog.Logger
}

// Open opens an existing container at path, or creates one if it does not
// exist, per cfg (use DefaultConfig() for spec §6's defaults, or
// dereference the *EngineConfig LoadConfig returns).
func Open(path string, cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EncryptionKey != "" {
		// Page-level AES-256-GCM is accepted as a config value (Validate
		// does not check it) but is not applied to the page I/O path, so a
		// non-empty key is refused — see DESIGN.md's Open Question entry.
		return nil, fmt.Errorf("scdb: encryption-key is configured but page encryption is not yet implemented")
	}

	backend, err := pager.NewPageBackend(pager.PageBackendConfig{
		Path:          path,
		PageSize:      cfg.PageSize,
		MaxCachePages: cfg.CacheCapacityPages,
	})
	if err != nil {
		return nil, err
	}

	blobRoot := cfg.BlobRoot
	if !filepath.IsAbs(blobRoot) {
		blobRoot = filepath.Join(filepath.Dir(backend.DBPath()), blobRoot)
	}
	blobs, err := pager.NewBlobStore(blobRoot)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.SetOverflowPolicy(cfg.InlineThresholdBytes, cfg.OverflowThresholdBytes, blobs)

	var cache *engine.PlanCache
	if cfg.PlanCacheEnabled {
		cache = engine.NewPlanCache(cfg.PlanCacheCapacity)
	}

	e := &Engine{
		cfg:     cfg,
		backend: backend,
		txm:     storage.NewTxManager(backend.Pager()),
		exec:    engine.NewExecutor(backend, cache),
		cache:   cache,
		blobs:   blobs,
		log:     zerolog.Nop(),
	}

	if cfg.VacuumIncrementalCron != "" || cfg.BlobSweepCron != "" {
		e.scheduler = storage.NewScheduler(e, e.log)
		if err := e.scheduler.Start(cfg.VacuumIncrementalCron, cfg.BlobSweepCron); err != nil {
			backend.Close()
			return nil, fmt.Errorf("start maintenance scheduler: %w", err)
		}
	}

	return e, nil
}

// SetLogger stores a zerolog.Logger on the engine. Open starts with
// zerolog.Nop(); a maintenance scheduler started by Open keeps the logger it
// was created with, so SetLogger does not change the scheduler's output.
func (e *Engine) SetLogger(log zerolog.Logger) {
	e.log = log
}

// Close stops the background scheduler (if running), flushes, and closes
// the container.
func (e *Engine) Close() error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	return e.backend.Close()
}

// ── SQL surface (spec §4.11) ────────────────────────────────────────────

// Execute runs a single non-SELECT statement (DDL/DML/transaction control)
// and returns the number of rows affected. Writers serialize through the
// engine's single writer gate; ctx governs how long Execute waits to
// acquire it.
func (e *Engine) Execute(ctx context.Context, sql string, params map[string]any) (int, error) {
	tx, err := e.txm.BeginWrite(ctx, WriteLockTimeoutFor(e.cfg))
	if err != nil {
		return 0, err
	}
	res, err := e.exec.Execute(sql, params, nil)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// Query runs a single SELECT statement and returns a RowIter over the
// result. The iterator is scoped to the reader transaction snapshotted at
// call time: rows committed by writers after Query returns are never
// visible through it, matching spec §4.9's reader-isolation guarantee.
// Rows are currently materialized up front (the executor's bulk
// load/rewrite model, see internal/engine/exec.go) rather than streamed
// page-by-page; RowIter's API is still the lazy, Close-able shape spec
// §4.11 specifies, so a future streaming executor can back it without an
// API change.
func (e *Engine) Query(ctx context.Context, sql string, params map[string]any) (*RowIter, error) {
	tx, err := e.txm.BeginRead()
	if err != nil {
		return nil, err
	}
	res, err := e.exec.Execute(sql, params, nil)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &RowIter{columns: res.Columns, rows: res.Rows, pos: -1}, nil
}

// RowIter iterates the rows of a Query result.
type RowIter struct {
	columns []string
	rows    [][]any
	pos     int
	closed  bool
}

// Columns returns the result's column names.
func (it *RowIter) Columns() []string { return it.columns }

// Next advances to the next row, returning false when exhausted or closed.
func (it *RowIter) Next() bool {
	if it.closed || it.pos+1 >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

// Row returns the current row's values, indexed the same as Columns().
func (it *RowIter) Row() []any {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

// Close releases the iterator. Safe to call multiple times.
func (it *RowIter) Close() error {
	it.closed = true
	return nil
}

// RowJSON renders the current row as a JSON object keyed by column name,
// through storage.JSONMarshal so a DECIMAL or UUID column's *big.Rat/
// uuid.UUID value comes out as readable text instead of json.Marshal's
// default (an error for *big.Rat, a base64 blob for the UUID's raw bytes).
func (it *RowIter) RowJSON() ([]byte, error) {
	row := it.Row()
	if row == nil {
		return nil, fmt.Errorf("no current row")
	}
	obj := make(map[string]any, len(it.columns))
	for i, c := range it.columns {
		if i < len(row) {
			obj[c] = row[i]
		}
	}
	return storage.JSONMarshal(obj)
}

// InsertBatch inserts rows into table directly, bypassing SQL parsing — the
// binary fast path spec §4.11 calls out for bulk loads. Each row must carry
// exactly one value per column, in the table's declared column order.
func (e *Engine) InsertBatch(ctx context.Context, table string, rows [][]any) (int, error) {
	tx, err := e.txm.BeginWrite(ctx, WriteLockTimeoutFor(e.cfg))
	if err != nil {
		return 0, err
	}

	td, err := e.backend.LoadTable(table)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if td == nil {
		tx.Rollback()
		return 0, &Error{Kind: KindSchemaError, Message: fmt.Sprintf("table %q does not exist", table)}
	}
	for i, row := range rows {
		if len(row) != len(td.Schema.Columns) {
			tx.Rollback()
			return 0, &Error{Kind: KindSchemaError, Message: fmt.Sprintf("row %d has %d values, table %q has %d columns", i, len(row), table, len(td.Schema.Columns))}
		}
	}

	td.Rows = append(td.Rows, rows...)
	if err := e.backend.SaveTable(td); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Flush forces a group-commit checkpoint and page writeback of all
// committed state.
func (e *Engine) Flush() error {
	return e.backend.Sync()
}

// VacuumMode selects how much work Vacuum does in one call.
type VacuumMode int

const (
	// VacuumQuick coalesces the free-space map's adjacent runs (~10ms).
	VacuumQuick VacuumMode = iota
	// VacuumIncremental reclaims reusable space up to a small time budget
	// (~100ms), intended for a frequent background tick.
	VacuumIncremental
	// VacuumFull rewrites every table's B-tree compacted (~10s/GB),
	// intended for an infrequent, explicit maintenance window.
	VacuumFull
)

// incrementalVacuumBudget bounds how long a single VacuumIncremental pass
// spends rewriting tables before returning, so it stays a "background tick"
// rather than a stop-the-world pass.
const incrementalVacuumBudget = 100 * time.Millisecond

// Vacuum runs maintenance per mode (spec §4.11). Quick and incremental are
// cheap enough to call synchronously from request paths; full is intended
// for an explicit, infrequent maintenance window.
func (e *Engine) Vacuum(ctx context.Context, mode VacuumMode) error {
	switch mode {
	case VacuumQuick:
		// The FSM coalesces adjacent runs on every Free() call already (see
		// pager/fsm.go); a checkpoint is the cheap, safe way to make sure
		// any pending frees have actually reached it.
		return e.backend.Sync()
	case VacuumIncremental:
		return e.vacuumTables(ctx, incrementalVacuumBudget)
	case VacuumFull:
		if err := e.vacuumTables(ctx, 0); err != nil {
			return err
		}
		// The bulk rewrite above already compacts every live table's tree;
		// GC additionally reclaims pages an aborted transaction or a crash
		// mid-SaveTable left allocated but unreachable from any root.
		_, err := e.backend.GC()
		return err
	default:
		return fmt.Errorf("scdb: unknown vacuum mode %d", mode)
	}
}

// Verify runs a full structural integrity scan of the container file: every
// page's CRC, the superblock's consistency with the file's actual size, and
// basic page-header sanity. It does not require exclusive access and never
// mutates the file. A non-empty result is a list of human-readable issues,
// not an error — a single corrupt page among many healthy ones is still
// reported, not just the first one found.
func (e *Engine) Verify() ([]string, error) {
	return pager.VerifyDB(e.backend.DBPath())
}

// VerifyRegistry cross-checks the container's named-block registry (every
// table's row-store block, plus the fixed system blocks) against the file's
// actual page count, on top of the page-level checks Verify already does.
func (e *Engine) VerifyRegistry() ([]string, error) {
	return pager.VerifyRegistry(e.backend.DBPath(), e.cfg.PageSize)
}

// DumpTableTree renders a human-readable dump of a table's B-tree, depth
// first, for manual inspection when Verify reports a page-level issue and a
// operator needs to see which key landed where.
func (e *Engine) DumpTableTree(table string) (string, error) {
	schema, err := e.backend.GetSchema(table)
	if err != nil {
		return "", err
	}
	if schema == nil {
		return "", fmt.Errorf("table %q does not exist", table)
	}
	return pager.DumpTree(e.backend.DBPath(), pager.PageID(schema.TableRoot), e.cfg.PageSize)
}

// InspectPage reads a single page's header and type-specific fields without
// going through the buffer pool, for debugging a specific page a crash or a
// Verify report pointed at.
func (e *Engine) InspectPage(pageID pager.PageID) (*pager.PageInfo, error) {
	return pager.InspectPage(e.backend.DBPath(), pageID, e.cfg.PageSize)
}

// vacuumTables rewrites each table's B-tree via LoadTable+SaveTable, which
// defragments it by construction (SaveTable always drops and recreates the
// tree — see pager/backend.go). A positive budget stops after it elapses,
// leaving the remaining tables for the next tick; a zero budget processes
// every table unconditionally (VacuumFull).
func (e *Engine) vacuumTables(ctx context.Context, budget time.Duration) error {
	names, err := e.backend.ListTableNames()
	if err != nil {
		return err
	}
	deadline := time.Time{}
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Message: "vacuum cancelled", Cause: err}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		td, err := e.backend.LoadTable(name)
		if err != nil || td == nil {
			continue
		}
		if err := e.backend.SaveTable(td); err != nil {
			return fmt.Errorf("vacuum table %s: %w", name, err)
		}
	}
	return nil
}

// Stats reports operational metrics (spec §4.11).
type Stats struct {
	PageSize       int
	PageCount      uint64
	FreePages      int
	CheckpointLSN  uint64
	PlanCache      engine.PlanCacheStats
	PlanCacheLen   int
	SyncCount      int64
	LoadCount      int64
}

// Stats returns a snapshot of the engine's current operational metrics.
func (e *Engine) Stats() Stats {
	pbs := e.backend.Stats()
	s := Stats{
		PageSize:      pbs.PageSize,
		PageCount:     pbs.PageCount,
		FreePages:     pbs.FreePages,
		CheckpointLSN: uint64(pbs.CheckpointLSN),
		SyncCount:     pbs.SyncCount,
		LoadCount:     pbs.LoadCount,
	}
	if e.cache != nil {
		s.PlanCache = e.cache.Stats()
		s.PlanCacheLen = e.cache.Len()
	}
	return s
}

// ── storage.MaintenanceTasks ─────────────────────────────────────────────

// VacuumIncremental implements storage.MaintenanceTasks for the background
// scheduler.
func (e *Engine) VacuumIncremental(ctx context.Context) error {
	return e.Vacuum(ctx, VacuumIncremental)
}

// SweepBlobOrphans implements storage.MaintenanceTasks for the background
// scheduler: any blob not referenced by a live ExternalRef in any table,
// older than the configured retention, is removed.
func (e *Engine) SweepBlobOrphans(ctx context.Context) error {
	live, err := e.liveBlobIDs()
	if err != nil {
		return err
	}
	retention := time.Duration(e.cfg.BlobRetentionDays) * 24 * time.Hour
	_, err = e.blobs.SweepOrphans(func(id uuid.UUID) bool { return live[id] }, retention)
	return err
}

func (e *Engine) liveBlobIDs() (map[uuid.UUID]bool, error) {
	names, err := e.backend.ListTableNames()
	if err != nil {
		return nil, err
	}
	live := make(map[uuid.UUID]bool)
	for _, name := range names {
		schema, err := e.backend.GetSchema(name)
		if err != nil || schema == nil {
			continue
		}
		// LoadTable resolves ExternalRefs to their contents, so scan the
		// stored rows, which still hold the refs.
		bt := pager.NewBTree(e.backend.Pager(), pager.PageID(schema.TableRoot))
		bt.ScanRange(nil, nil, func(_, val []byte) bool {
			row, _ := pager.UnmarshalRow(val)
			for _, v := range row {
				if ref, ok := v.(pager.ExternalRef); ok {
					live[ref.ID] = true
				}
			}
			return true
		})
	}
	return live, nil
}

// WriteLockTimeoutFor returns the writer-gate timeout to use for an
// engine's operations. Currently fixed to storage.WriteLockTimeout; exposed
// as a function (rather than a constant) so a future EngineConfig field can
// override it per engine without changing Execute/InsertBatch's signature.
func WriteLockTimeoutFor(cfg EngineConfig) time.Duration {
	return storage.WriteLockTimeout
}
