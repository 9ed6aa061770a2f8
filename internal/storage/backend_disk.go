package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// StorageProvider — single-file vs. directory-per-block (spec §9)
// ───────────────────────────────────────────────────────────────────────────
//
// The container is logically partitioned into named blocks (row store, each
// secondary index, metadata, FSM, blob directory — see pager.BlockKind).
// StorageProvider decides how those blocks map onto the filesystem:
//
//   - SingleFileProvider: every block shares one physical container file,
//     addressed by byte offset (the pager's own model; block separation is
//     purely logical, tracked by the block registry's Extent).
//   - DirectoryProvider: every block is its own file under a directory,
//     generalizing the teacher's one-GOB-file-per-table DiskBackend to
//     arbitrary named blocks instead of tables.
//
// DirectoryProvider routes both writing (OpenBlock/RemoveBlock) and
// enumeration (ListBlocks) through one blockFileName helper so the two can
// never disagree on a block's file name; SingleFileProvider has no per-block
// file names at all. The teacher's
// DiskBackend historically derived the on-disk name differently in
// SaveTable (tenant/lowercase-name+ext) than in ListTableNames (reading
// back whatever the manifest recorded), which could desync if a block was
// ever renamed on disk out of band. Routing every name computation through
// one function removes the seam entirely.

// BlockFile is a single named block's byte-addressable storage.
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// StorageProvider opens/creates/enumerates the container's named blocks.
type StorageProvider interface {
	OpenBlock(name string) (BlockFile, error)
	RemoveBlock(name string) error
	ListBlocks() ([]string, error)
	Sync() error
	Close() error
}

// blockFileName is the single source of truth for a block's on-disk file
// name in directory mode. Block names may contain characters that aren't
// safe as path segments (e.g. "idx:orders:email"), so they're percent-style
// escaped byte by byte rather than used raw ('_' is the escape marker, so it
// is escaped too).
func blockFileName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	b.WriteString(".blk")
	return b.String()
}

// ──── SingleFileProvider ───────────────────────────────────────────────────

// SingleFileProvider backs every block with one shared container file,
// consistent with the pager's own single-file model. Block identity is not
// represented in the filesystem at all — the registry's Extent is the only
// thing that knows where a block's bytes live within the file.
type SingleFileProvider struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewSingleFileProvider opens (creating if necessary) the one container file.
func NewSingleFileProvider(path string) (*SingleFileProvider, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("single-file provider: open %s: %w", path, err)
	}
	return &SingleFileProvider{f: f, path: path}, nil
}

// OpenBlock returns a handle onto the shared container file; name is
// accepted for interface symmetry with DirectoryProvider but otherwise
// unused since there's only ever one underlying file.
func (s *SingleFileProvider) OpenBlock(name string) (BlockFile, error) {
	return &fileBlock{f: s.f}, nil
}

func (s *SingleFileProvider) RemoveBlock(name string) error {
	return fmt.Errorf("single-file provider: blocks are not individually removable (block %q)", name)
}

func (s *SingleFileProvider) ListBlocks() ([]string, error) {
	return nil, fmt.Errorf("single-file provider: blocks are not individually enumerable on disk; use the block registry")
}

func (s *SingleFileProvider) Sync() error  { return s.f.Sync() }
func (s *SingleFileProvider) Close() error { return s.f.Close() }

// ──── DirectoryProvider ────────────────────────────────────────────────────

// DirectoryProvider stores each named block as its own file under dir.
type DirectoryProvider struct {
	mu    sync.Mutex
	dir   string
	files map[string]*os.File // block name -> open handle
}

// NewDirectoryProvider opens (creating if necessary) a directory of
// per-block files.
func NewDirectoryProvider(dir string) (*DirectoryProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("directory provider: mkdir %s: %w", dir, err)
	}
	return &DirectoryProvider{dir: dir, files: make(map[string]*os.File)}, nil
}

func (d *DirectoryProvider) OpenBlock(name string) (BlockFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[name]; ok {
		return &fileBlock{f: f}, nil
	}
	path := filepath.Join(d.dir, blockFileName(name))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("directory provider: open block %q: %w", name, err)
	}
	d.files[name] = f
	return &fileBlock{f: f}, nil
}

func (d *DirectoryProvider) RemoveBlock(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[name]; ok {
		_ = f.Close()
		delete(d.files, name)
	}
	path := filepath.Join(d.dir, blockFileName(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("directory provider: remove block %q: %w", name, err)
	}
	return nil
}

// ListBlocks enumerates blocks present on disk by reversing blockFileName's
// escaping, so a provider reopened after a crash can still discover its
// blocks without a separate manifest.
func (d *DirectoryProvider) ListBlocks() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("directory provider: list %s: %w", d.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".blk") {
			continue
		}
		names = append(names, unescapeBlockFileName(strings.TrimSuffix(e.Name(), ".blk")))
	}
	sort.Strings(names)
	return names, nil
}

func (d *DirectoryProvider) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, f := range d.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("directory provider: sync block %q: %w", name, err)
		}
	}
	return nil
}

func (d *DirectoryProvider) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.files = make(map[string]*os.File)
	return firstErr
}

func unescapeBlockFileName(escaped string) string {
	var b strings.Builder
	for i := 0; i < len(escaped); i++ {
		if escaped[i] == '_' && i+2 < len(escaped) {
			var v int
			if n, err := fmt.Sscanf(escaped[i+1:i+3], "%02x", &v); err == nil && n == 1 {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(escaped[i])
	}
	return b.String()
}

// ──── fileBlock ────────────────────────────────────────────────────────────

// fileBlock adapts *os.File to BlockFile.
type fileBlock struct {
	f *os.File
}

func (b *fileBlock) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *fileBlock) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *fileBlock) Truncate(size int64) error                { return b.f.Truncate(size) }
func (b *fileBlock) Sync() error                              { return b.f.Sync() }
func (b *fileBlock) Close() error                             { return nil } // lifecycle owned by the provider

func (b *fileBlock) Size() (int64, error) {
	info, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
