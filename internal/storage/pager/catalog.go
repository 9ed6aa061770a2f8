package pager

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/scdb/scdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// System catalog — maps table names to schema records and B-tree roots
// ───────────────────────────────────────────────────────────────────────────
//
// The catalog is itself a B-tree whose
//   key   = table name
//   value = Brotli-framed JSON encoding of storage.TableSchema (compressMeta)
//
// The catalog root page ID is stored in the superblock (CatalogRoot). This
// generalizes the original tenant-scoped CatalogEntry into the full schema
// record spec §3/§4.1 requires: collations, secondary index definitions,
// and column defaults all travel with the schema rather than living
// out-of-band.

// catalogKey constructs the catalog lookup key for a table name.
func catalogKey(table string) []byte { return []byte(table) }

// Catalog manages the system catalog B-tree.
type Catalog struct {
	mu    sync.RWMutex
	pager *Pager
	tree  *BTree
}

// OpenCatalog opens or creates the system catalog.
func OpenCatalog(p *Pager, txID TxID) (*Catalog, error) {
	sb := p.Superblock()
	cat := &Catalog{pager: p}

	if sb.CatalogRoot == InvalidPageID {
		bt, err := CreateBTree(p, txID)
		if err != nil {
			return nil, fmt.Errorf("create catalog tree: %w", err)
		}
		cat.tree = bt
		p.UpdateSuperblock(func(s *Superblock) {
			s.CatalogRoot = bt.Root()
		})
	} else {
		cat.tree = NewBTree(p, sb.CatalogRoot)
	}
	return cat, nil
}

// PutSchema upserts a table schema within the given transaction. The JSON
// record is Brotli-framed before it hits the B-tree (spec §3/§9's metadata
// compression), trading a little CPU for smaller catalog pages on schemas
// with many columns or indexes.
func (c *Catalog) PutSchema(txID TxID, schema storage.TableSchema) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	val, err := compressMeta(raw)
	if err != nil {
		return err
	}
	return c.tree.Insert(txID, catalogKey(schema.Name), val)
}

// GetSchema retrieves a table schema. Returns nil if not found.
func (c *Catalog) GetSchema(table string) (*storage.TableSchema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	val, found, err := c.tree.Get(catalogKey(table))
	if err != nil || !found {
		return nil, err
	}
	raw, err := decompressMeta(val)
	if err != nil {
		return nil, err
	}
	var schema storage.TableSchema
	if len(bytes.TrimSpace(raw)) == 0 {
		return &schema, nil
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// compressMeta Brotli-frames a metadata payload at the default quality: the
// catalog is read far more often than written, so favoring fast decode over
// maximum ratio suits it better than the blob store's bulk content does.
func compressMeta(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressMeta reverses compressMeta. An empty input decompresses to an
// empty byte slice rather than erroring, since GetSchema treats an empty or
// whitespace-only payload as an empty schema record.
func decompressMeta(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, nil
	}
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(framed)))
	if err != nil {
		return nil, fmt.Errorf("decompress metadata: %w", err)
	}
	return raw, nil
}

// DeleteSchema removes a table schema within the given transaction.
func (c *Catalog) DeleteSchema(txID TxID, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.tree.Delete(txID, catalogKey(table))
	return err
}

// ListTables returns all table names currently registered, sorted.
func (c *Catalog) ListTables() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	err := c.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		names = append(names, string(key))
		return true
	})
	sort.Strings(names)
	return names, err
}

// Root returns the catalog tree's root page ID.
func (c *Catalog) Root() PageID { return c.tree.Root() }

// ───────────────────────────────────────────────────────────────────────────
// Row key encoding
// ───────────────────────────────────────────────────────────────────────────

// RowKey creates a B-tree key from a row ID.
func RowKey(rowID int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rowID))
	return buf[:]
}

// ParseRowKey extracts the row ID from a B-tree key.
func ParseRowKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

// PKRowKey builds a stable B-tree key from a row's declared primary-key
// column values, so a secondary index's row references (see hash_index.go/
// BTree-backed indexes) stay valid across a table rewrite instead of going
// stale the way a position-derived RowKey(i) would the moment row i shifts.
// Reuses the row codec's tagged encoding so composite keys of mixed types
// serialize unambiguously.
func PKRowKey(pkValues []any) []byte {
	return MarshalRow(pkValues, nil)
}
