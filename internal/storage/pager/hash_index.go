package pager

import (
	"encoding/binary"
	"hash/fnv"
)

// ───────────────────────────────────────────────────────────────────────────
// Hash secondary index (spec §4.8)
// ───────────────────────────────────────────────────────────────────────────
//
// Bucket directory, rehashed (doubled) once the load factor crosses 0.75.
// Collisions are not open-addressed: a key only ever goes to its own
// bucket, never probes a neighbouring one. Each directory slot is itself a
// page: entries are appended
// within the page and, once full, chained via NextOverflow — the same
// page-ownership idiom the B-tree uses for overflow pages, generalized to
// hash buckets instead of oversized values. Keys are pre-normalized by the
// caller via storage.CollationKey so the index itself only ever compares
// raw bytes.
//
// Bucket page layout:
//   [0:32]   Common PageHeader (Type=HashBucket)
//   [32:36]  NextOverflow (uint32 LE) — chained bucket page, 0 = end
//   [36:40]  EntryCount   (uint32 LE)
//   [40:]    Entries: each is [2B keyLen][keyLen bytes][8B rowID]

const (
	hbNextOff  = PageHeaderSize
	hbCountOff = hbNextOff + 4
	hbDataOff  = hbCountOff + 4

	hashIndexMaxLoadFactor = 0.75
)

// HashBucketPage wraps a page buffer as a hash-index bucket page.
type HashBucketPage struct {
	buf []byte
}

// WrapHashBucketPage wraps an existing bucket page buffer.
func WrapHashBucketPage(buf []byte) *HashBucketPage { return &HashBucketPage{buf: buf} }

// InitHashBucketPage initializes a fresh, empty bucket page.
func InitHashBucketPage(buf []byte, id PageID) *HashBucketPage {
	h := &PageHeader{Type: PageTypeHashBucket, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[hbNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[hbCountOff:], 0)
	return &HashBucketPage{buf: buf}
}

func (hb *HashBucketPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint32(hb.buf[hbNextOff:]))
}
func (hb *HashBucketPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint32(hb.buf[hbNextOff:], uint32(pid))
}
func (hb *HashBucketPage) EntryCount() int {
	return int(binary.LittleEndian.Uint32(hb.buf[hbCountOff:]))
}

type hashEntry struct {
	key   []byte
	rowID int64
}

// Entries decodes all (key, rowID) pairs stored in this page.
func (hb *HashBucketPage) Entries() []hashEntry {
	n := hb.EntryCount()
	out := make([]hashEntry, 0, n)
	off := hbDataOff
	for i := 0; i < n; i++ {
		klen := int(binary.LittleEndian.Uint16(hb.buf[off:]))
		off += 2
		key := hb.buf[off : off+klen]
		off += klen
		rowID := int64(binary.LittleEndian.Uint64(hb.buf[off:]))
		off += 8
		out = append(out, hashEntry{key: key, rowID: rowID})
	}
	return out
}

// TryAppend appends a (key, rowID) entry if there's room; returns false if
// the page is full and the entry should go to an overflow page instead.
func (hb *HashBucketPage) TryAppend(key []byte, rowID int64) bool {
	n := hb.EntryCount()
	off := hbDataOff
	for i := 0; i < n; i++ {
		klen := int(binary.LittleEndian.Uint16(hb.buf[off:]))
		off += 2 + klen + 8
	}
	needed := 2 + len(key) + 8
	if off+needed > len(hb.buf) {
		return false
	}
	binary.LittleEndian.PutUint16(hb.buf[off:], uint16(len(key)))
	off += 2
	copy(hb.buf[off:], key)
	off += len(key)
	binary.LittleEndian.PutUint64(hb.buf[off:], uint64(rowID))
	binary.LittleEndian.PutUint32(hb.buf[hbCountOff:], uint32(n+1))
	return true
}

func (hb *HashBucketPage) Bytes() []byte { return hb.buf }

// hashKey is the bucket-selection hash, independent of the on-disk entry
// ordering within a bucket chain.
func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// HashIndex is a bucket-directory secondary index over a table's pages.
// The directory is a plain slice of bucket root PageIDs, returned by
// Directory and taken back by OpenHashIndex; the index does not store it
// anywhere itself. It doubles (rehashing every live entry) once load factor
// crosses 0.75.
type HashIndex struct {
	pager   *Pager
	buckets []PageID // directory: len is always a power of two
	count   int      // live entry count, for load-factor tracking
}

// CreateHashIndex allocates a fresh hash index with an initial directory of
// 16 buckets.
func CreateHashIndex(p *Pager, txID TxID) (*HashIndex, error) {
	hi := &HashIndex{pager: p}
	hi.buckets = make([]PageID, 16)
	for i := range hi.buckets {
		pid, buf := p.AllocPage()
		InitHashBucketPage(buf, pid)
		SetPageCRC(buf)
		if err := p.WritePage(txID, pid, buf); err != nil {
			return nil, err
		}
		p.UnpinPage(pid)
		hi.buckets[i] = pid
	}
	return hi, nil
}

// OpenHashIndex reconstructs a HashIndex from a previously persisted
// directory (bucket root PageIDs, in order).
func OpenHashIndex(p *Pager, dir []PageID, count int) *HashIndex {
	return &HashIndex{pager: p, buckets: dir, count: count}
}

// Directory returns the current bucket root PageIDs, for persistence.
func (hi *HashIndex) Directory() []PageID { return hi.buckets }

// Count returns the number of live entries.
func (hi *HashIndex) Count() int { return hi.count }

func (hi *HashIndex) bucketFor(key []byte) int {
	return int(hashKey(key) % uint64(len(hi.buckets)))
}

// Insert adds (key, rowID), rehashing the directory first if the resulting
// load factor would exceed hashIndexMaxLoadFactor.
func (hi *HashIndex) Insert(txID TxID, key []byte, rowID int64) error {
	if float64(hi.count+1)/float64(len(hi.buckets)) > hashIndexMaxLoadFactor {
		if err := hi.rehash(txID); err != nil {
			return err
		}
	}
	idx := hi.bucketFor(key)
	pid := hi.buckets[idx]

	for {
		buf, err := hi.pager.ReadPage(pid)
		if err != nil {
			return err
		}
		bp := WrapHashBucketPage(buf)
		if bp.TryAppend(key, rowID) {
			SetPageCRC(buf)
			err := hi.pager.WritePage(txID, pid, buf)
			hi.pager.UnpinPage(pid)
			if err != nil {
				return err
			}
			hi.count++
			return nil
		}
		next := bp.NextOverflow()
		if next == InvalidPageID {
			npid, nbuf := hi.pager.AllocPage()
			InitHashBucketPage(nbuf, npid)
			nbuf2 := WrapHashBucketPage(nbuf)
			nbuf2.TryAppend(key, rowID)
			SetPageCRC(nbuf)
			if err := hi.pager.WritePage(txID, npid, nbuf); err != nil {
				hi.pager.UnpinPage(pid)
				return err
			}
			bp.SetNextOverflow(npid)
			SetPageCRC(buf)
			err := hi.pager.WritePage(txID, pid, buf)
			hi.pager.UnpinPage(pid)
			hi.pager.UnpinPage(npid)
			if err != nil {
				return err
			}
			hi.count++
			return nil
		}
		hi.pager.UnpinPage(pid)
		pid = next
	}
}

// Lookup returns all row IDs stored under key.
func (hi *HashIndex) Lookup(key []byte) ([]int64, error) {
	if len(hi.buckets) == 0 {
		return nil, nil
	}
	idx := hi.bucketFor(key)
	pid := hi.buckets[idx]
	var out []int64
	for pid != InvalidPageID {
		buf, err := hi.pager.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		bp := WrapHashBucketPage(buf)
		for _, e := range bp.Entries() {
			if bytesEqual(e.key, key) {
				out = append(out, e.rowID)
			}
		}
		next := bp.NextOverflow()
		hi.pager.UnpinPage(pid)
		pid = next
	}
	return out, nil
}

// rehash doubles the directory and reinserts every live entry. Callers
// hold no lock of their own; this is invoked from Insert under the
// transaction manager's single-writer discipline (spec §4.9), so no
// additional synchronization is required here.
func (hi *HashIndex) rehash(txID TxID) error {
	oldBuckets := hi.buckets
	var allEntries []hashEntry

	for _, root := range oldBuckets {
		pid := root
		for pid != InvalidPageID {
			buf, err := hi.pager.ReadPage(pid)
			if err != nil {
				return err
			}
			bp := WrapHashBucketPage(buf)
			allEntries = append(allEntries, bp.Entries()...)
			next := bp.NextOverflow()
			hi.pager.UnpinPage(pid)
			hi.pager.FreePage(pid)
			pid = next
		}
	}

	newSize := len(oldBuckets) * 2
	hi.buckets = make([]PageID, newSize)
	for i := range hi.buckets {
		pid, buf := hi.pager.AllocPage()
		InitHashBucketPage(buf, pid)
		SetPageCRC(buf)
		if err := hi.pager.WritePage(txID, pid, buf); err != nil {
			return err
		}
		hi.pager.UnpinPage(pid)
		hi.buckets[i] = pid
	}
	hi.count = 0

	for _, e := range allEntries {
		idx := hi.bucketFor(e.key)
		pid := hi.buckets[idx]
		buf, err := hi.pager.ReadPage(pid)
		if err != nil {
			return err
		}
		bp := WrapHashBucketPage(buf)
		if !bp.TryAppend(e.key, e.rowID) {
			npid, nbuf := hi.pager.AllocPage()
			InitHashBucketPage(nbuf, npid)
			WrapHashBucketPage(nbuf).TryAppend(e.key, e.rowID)
			SetPageCRC(nbuf)
			if err := hi.pager.WritePage(txID, npid, nbuf); err != nil {
				hi.pager.UnpinPage(pid)
				return err
			}
			bp.SetNextOverflow(npid)
			hi.pager.UnpinPage(npid)
		}
		SetPageCRC(buf)
		err = hi.pager.WritePage(txID, pid, buf)
		hi.pager.UnpinPage(pid)
		if err != nil {
			return err
		}
		hi.count++
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
