package pager

import (
	"encoding/binary"
)

// ───────────────────────────────────────────────────────────────────────────
// Free-list pages
// ───────────────────────────────────────────────────────────────────────────
//
// The free-list is a singly-linked chain of pages. Each page stores an array
// of page IDs that are currently free and available for reuse.
//
// Layout:
//   [0:32]   Common PageHeader (Type=FreeList)
//   [32:36]  NextFreeList  (uint32 LE) — next free-list page, 0 = end
//   [36:40]  EntryCount    (uint32 LE) — number of PageID entries
//   [40:40+4*EntryCount]   PageID entries (uint32 LE each)
//
// Capacity per page: (PageSize - 40) / 4 entries.

const (
	freeListNextOff  = PageHeaderSize       // 32
	freeListCountOff = freeListNextOff + 4  // 36
	freeListDataOff  = freeListCountOff + 4 // 40
	freeListEntryLen = 4                    // uint32
)

// FreeListCapacity returns how many page IDs fit in one free-list page.
func FreeListCapacity(pageSize int) int {
	return (pageSize - freeListDataOff) / freeListEntryLen
}

// FreeListPage wraps a page buffer as a free-list page.
type FreeListPage struct {
	buf      []byte
	pageSize int
}

// WrapFreeListPage wraps an existing free-list buffer.
func WrapFreeListPage(buf []byte) *FreeListPage {
	return &FreeListPage{buf: buf, pageSize: len(buf)}
}

// InitFreeListPage creates a new empty free-list page.
func InitFreeListPage(buf []byte, id PageID) *FreeListPage {
	h := &PageHeader{Type: PageTypeFreeList, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[freeListNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[freeListCountOff:], 0)
	return &FreeListPage{buf: buf, pageSize: len(buf)}
}

// NextFreeList returns the next free-list page in the chain.
func (fl *FreeListPage) NextFreeList() PageID {
	return PageID(binary.LittleEndian.Uint32(fl.buf[freeListNextOff:]))
}

// SetNextFreeList sets the next page pointer.
func (fl *FreeListPage) SetNextFreeList(pid PageID) {
	binary.LittleEndian.PutUint32(fl.buf[freeListNextOff:], uint32(pid))
}

// EntryCount returns the number of free page IDs stored.
func (fl *FreeListPage) EntryCount() int {
	return int(binary.LittleEndian.Uint32(fl.buf[freeListCountOff:]))
}

// GetEntry returns the i-th free page ID.
func (fl *FreeListPage) GetEntry(i int) PageID {
	off := freeListDataOff + i*freeListEntryLen
	return PageID(binary.LittleEndian.Uint32(fl.buf[off:]))
}

// AddEntry appends a free page ID. Returns false if the page is full.
func (fl *FreeListPage) AddEntry(pid PageID) bool {
	ec := fl.EntryCount()
	if ec >= FreeListCapacity(fl.pageSize) {
		return false
	}
	off := freeListDataOff + ec*freeListEntryLen
	binary.LittleEndian.PutUint32(fl.buf[off:], uint32(pid))
	binary.LittleEndian.PutUint32(fl.buf[freeListCountOff:], uint32(ec+1))
	return true
}

// PopEntry removes and returns the last entry. Returns InvalidPageID if empty.
func (fl *FreeListPage) PopEntry() PageID {
	ec := fl.EntryCount()
	if ec == 0 {
		return InvalidPageID
	}
	pid := fl.GetEntry(ec - 1)
	binary.LittleEndian.PutUint32(fl.buf[freeListCountOff:], uint32(ec-1))
	return pid
}

// AllEntries returns all stored free page IDs.
func (fl *FreeListPage) AllEntries() []PageID {
	ec := fl.EntryCount()
	ids := make([]PageID, ec)
	for i := 0; i < ec; i++ {
		ids[i] = fl.GetEntry(i)
	}
	return ids
}

// Bytes returns the underlying page buffer.
func (fl *FreeListPage) Bytes() []byte { return fl.buf }

// ───────────────────────────────────────────────────────────────────────────
// FreeSpace manager — coordinates free-list pages via the pager
// ───────────────────────────────────────────────────────────────────────────
//
// FreeManager is the pager's single entry point for page allocation; its
// in-memory representation is the run-coalescing FSM (fsm.go), not a flat
// page set. That gives every caller of AllocPage/FreePage — including the
// single-page case the B-tree and catalog use — the same coalesced-run
// bookkeeping the blob/overflow subsystem needs for its own multi-page
// extents (AllocRun/FreeRun below), rather than maintaining two independent
// free-space structures that could drift out of sync with each other. The
// on-disk free-list page chain (above) is unchanged: it is still how the
// free set survives a restart, it just round-trips through the FSM instead
// of a bare map now.

// FreeManager tracks free pages via an FSM, persisted across restarts
// through a chain of free-list pages. The pager calls its methods during
// allocation and deallocation.
type FreeManager struct {
	fsm  *FSM
	head PageID // head of the free-list chain on disk (superblock)
}

// NewFreeManager creates a FreeManager. Call LoadFromDisk to populate.
func NewFreeManager() *FreeManager {
	return &FreeManager{fsm: NewFSM()}
}

// LoadFromDisk walks the free-list chain starting at head and populates
// the FSM. readPage is a callback that reads a page by ID. Each stored
// entry is a lone page (the on-disk chain format predates run-awareness),
// so they're fed in one at a time; the FSM coalesces any that turn out to
// be adjacent as it goes.
func (fm *FreeManager) LoadFromDisk(head PageID, readPage func(PageID) ([]byte, error)) error {
	fm.head = head
	pid := head
	for pid != InvalidPageID {
		buf, err := readPage(pid)
		if err != nil {
			return err
		}
		fl := WrapFreeListPage(buf)
		for _, freeID := range fl.AllEntries() {
			fm.fsm.Free(freeID, 1)
		}
		pid = fl.NextFreeList()
	}
	return nil
}

// Alloc returns a single free page ID, or InvalidPageID if none are free.
func (fm *FreeManager) Alloc() PageID {
	pid, ok := fm.fsm.Allocate(1, FitFirst)
	if !ok {
		return InvalidPageID
	}
	return pid
}

// Free marks a single page ID as available for reuse.
func (fm *FreeManager) Free(pid PageID) {
	fm.fsm.Free(pid, 1)
}

// AllocRun allocates a contiguous run of n pages under policy — used by the
// blob/overflow subsystem (spec §4.2/§4.6) when a value's size is known
// up front and a single contiguous extent avoids per-page chain overhead.
func (fm *FreeManager) AllocRun(n int, policy FitPolicy) (PageID, bool) {
	return fm.fsm.Allocate(n, policy)
}

// FreeRun returns a contiguous run of n pages starting at start.
func (fm *FreeManager) FreeRun(start PageID, n int) {
	fm.fsm.Free(start, n)
}

// Count returns the number of free pages.
func (fm *FreeManager) Count() int { return fm.fsm.Count() }

// AllFree returns all free page IDs (unsorted), expanded out of the FSM's
// coalesced runs.
func (fm *FreeManager) AllFree() []PageID {
	runs := fm.fsm.Runs()
	var ids []PageID
	for _, r := range runs {
		for i := 0; i < r.Length; i++ {
			ids = append(ids, r.Start+PageID(i))
		}
	}
	return ids
}

// FlushToDisk writes the FSM's free runs into free-list pages, one page ID
// per entry (the on-disk chain format is pre-run, page-at-a-time). It
// returns the head PageID of the new chain and the list of page buffers to
// write. allocPage is a callback that returns a new, zeroed page buffer
// with a fresh ID.
func (fm *FreeManager) FlushToDisk(pageSize int, allocPage func() (PageID, []byte)) (PageID, [][]byte) {
	ids := fm.AllFree()
	if len(ids) == 0 {
		return InvalidPageID, nil
	}

	cap := FreeListCapacity(pageSize)
	var pages [][]byte
	var head PageID
	var prev *FreeListPage

	for i := 0; i < len(ids); i += cap {
		end := i + cap
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		pid, buf := allocPage()
		fl := InitFreeListPage(buf, pid)
		for _, fid := range chunk {
			fl.AddEntry(fid)
		}
		SetPageCRC(buf)
		pages = append(pages, buf)

		if prev != nil {
			prev.SetNextFreeList(pid)
			SetPageCRC(prev.Bytes()) // update CRC after linking
		} else {
			head = pid
		}
		prev = fl
	}

	fm.head = head
	return head, pages
}
