package pager

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Named block registry (spec §3/§4.1)
// ───────────────────────────────────────────────────────────────────────────
//
// The container file is logically partitioned into named blocks (the row
// store, each secondary index, the metadata block, the free-space map).
// The registry is a B-tree, separate from the table/index catalog, mapping
// block name -> Extent. It is the structural generalization of the
// superblock+catalog pairing: where the catalog answers "where is table
// T's data", the registry answers "where does block B live in the
// container", one level up.

// BlockKind enumerates the fixed set of container block roles spec §3
// names.
type BlockKind int

const (
	BlockRowStore BlockKind = iota
	BlockIndex
	BlockMetadata
	BlockFSM
	BlockBlobDirectory
)

// Extent is a named block's location: either a page range (row store,
// indexes, FSM) or a byte range within the metadata block.
type Extent struct {
	Kind      BlockKind
	RootPage  PageID // for page-tree-backed blocks
	ByteOff   int64  // for the flat metadata block
	ByteLen   int64
}

// Registry manages the block-name -> Extent B-tree.
type Registry struct {
	mu    sync.RWMutex
	pager *Pager
	tree  *BTree
}

// OpenRegistry opens or creates the block registry.
func OpenRegistry(p *Pager, txID TxID) (*Registry, error) {
	sb := p.Superblock()
	reg := &Registry{pager: p}

	if sb.RegistryRoot == InvalidPageID {
		bt, err := CreateBTree(p, txID)
		if err != nil {
			return nil, fmt.Errorf("create registry tree: %w", err)
		}
		reg.tree = bt
		p.UpdateSuperblock(func(s *Superblock) {
			s.RegistryRoot = bt.Root()
		})
	} else {
		reg.tree = NewBTree(p, sb.RegistryRoot)
	}
	return reg, nil
}

// Put registers or updates a named block's extent.
func (r *Registry) Put(txID TxID, name string, ext Extent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	val, err := json.Marshal(ext)
	if err != nil {
		return err
	}
	return r.tree.Insert(txID, []byte(name), val)
}

// Get retrieves a named block's extent, or (Extent{}, false, nil) if absent.
func (r *Registry) Get(name string) (Extent, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, found, err := r.tree.Get([]byte(name))
	if err != nil || !found {
		return Extent{}, false, err
	}
	var ext Extent
	if err := json.Unmarshal(val, &ext); err != nil {
		return Extent{}, false, err
	}
	return ext, true, nil
}

// Delete removes a named block from the registry.
func (r *Registry) Delete(txID TxID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.tree.Delete(txID, []byte(name))
	return err
}

// Names returns every registered block name, in sorted order — the
// registry is a totally ordered set by name, per spec §4.1.
func (r *Registry) Names() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	err := r.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		names = append(names, string(key))
		return true
	})
	sort.Strings(names)
	return names, err
}

// Root returns the registry tree's root page ID.
func (r *Registry) Root() PageID { return r.tree.Root() }
