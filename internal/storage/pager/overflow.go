package pager

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow pages
// ───────────────────────────────────────────────────────────────────────────
//
// Overflow pages store large values that do not fit inline in B+Tree leaf
// records. They form a singly-linked chain.
//
// Layout:
//   [0:32]   Common PageHeader (Type=Overflow)
//   [32:36]  NextOverflow  (uint32 LE) — next page in chain, 0 = end
//   [36:40]  DataLen       (uint32 LE) — bytes of payload in this page
//   [40:40+DataLen]  Payload data
//
// The usable capacity per overflow page is PageSize - 40.

const (
	overflowNextOff    = PageHeaderSize         // 32
	overflowDataLenOff = overflowNextOff + 4    // 36
	overflowDataOff    = overflowDataLenOff + 4 // 40
)

// OverflowCapacity returns the payload capacity of a single overflow page.
func OverflowCapacity(pageSize int) int {
	return pageSize - overflowDataOff
}

// OverflowPage wraps a page buffer as an overflow page.
type OverflowPage struct {
	buf      []byte
	pageSize int
}

// WrapOverflowPage wraps an existing overflow page buffer.
func WrapOverflowPage(buf []byte) *OverflowPage {
	return &OverflowPage{buf: buf, pageSize: len(buf)}
}

// InitOverflowPage creates a new overflow page.
func InitOverflowPage(buf []byte, id PageID) *OverflowPage {
	h := &PageHeader{Type: PageTypeOverflow, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[overflowNextOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[overflowDataLenOff:], 0)
	return &OverflowPage{buf: buf, pageSize: len(buf)}
}

// NextOverflow returns the next overflow page in the chain.
func (op *OverflowPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint32(op.buf[overflowNextOff:]))
}

// SetNextOverflow sets the next-page pointer.
func (op *OverflowPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint32(op.buf[overflowNextOff:], uint32(pid))
}

// DataLen returns the number of payload bytes stored.
func (op *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(op.buf[overflowDataLenOff:]))
}

// SetData writes payload into the overflow page. Returns an error if the
// data exceeds the capacity.
func (op *OverflowPage) SetData(data []byte) error {
	cap := OverflowCapacity(op.pageSize)
	if len(data) > cap {
		return fmt.Errorf("overflow data %d bytes exceeds capacity %d", len(data), cap)
	}
	binary.LittleEndian.PutUint32(op.buf[overflowDataLenOff:], uint32(len(data)))
	copy(op.buf[overflowDataOff:], data)
	return nil
}

// Data returns the payload bytes.
func (op *OverflowPage) Data() []byte {
	dl := op.DataLen()
	return op.buf[overflowDataOff : overflowDataOff+dl]
}

// Bytes returns the underlying page buffer.
func (op *OverflowPage) Bytes() []byte { return op.buf }

// ───────────────────────────────────────────────────────────────────────────
// Per-value overflow chains (spec §9's "Deep inheritance" row storage tier)
// ───────────────────────────────────────────────────────────────────────────
//
// The B-tree writes its own overflow chains for whole leaf records too big
// for a page (see btree.go's writeOverflow/readOverflow/freeOverflowChain).
// WriteChain/ReadChain/FreeChain below operate at the single-column-value
// granularity the row codec needs: a value above InlineThresholdBytes and
// at most OverflowThresholdBytes (or of any larger size when no blob store
// is configured) is spilled to its own chain and the row
// stores a ChainRef in its place, independent of whatever the B-tree does
// with the row as a whole.

// WriteChain spills data into a freshly allocated overflow page chain and
// returns a ChainRef describing it, digest included.
func WriteChain(p *Pager, txID TxID, data []byte) (ChainRef, error) {
	digest := sha256.Sum256(data)
	cap := OverflowCapacity(p.pageSize)
	var headID PageID
	var prevBuf []byte
	var prevID PageID

	for off := 0; off < len(data); off += cap {
		end := off + cap
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		pid, buf := p.AllocPage()
		op := InitOverflowPage(buf, pid)
		if err := op.SetData(chunk); err != nil {
			return ChainRef{}, err
		}

		if prevBuf != nil {
			prevOP := WrapOverflowPage(prevBuf)
			prevOP.SetNextOverflow(pid)
			SetPageCRC(prevBuf)
			if err := p.WritePage(txID, prevID, prevBuf); err != nil {
				return ChainRef{}, err
			}
			p.UnpinPage(prevID)
		} else {
			headID = pid
		}
		prevBuf = buf
		prevID = pid
	}

	if prevBuf != nil {
		SetPageCRC(prevBuf)
		if err := p.WritePage(txID, prevID, prevBuf); err != nil {
			return ChainRef{}, err
		}
		p.UnpinPage(prevID)
	}

	return ChainRef{FirstPage: headID, TotalLen: int64(len(data)), Digest: digest}, nil
}

// ReadChain reassembles the value a ChainRef points to.
func ReadChain(p *Pager, ref ChainRef) ([]byte, error) {
	result := make([]byte, 0, ref.TotalLen)
	pid := ref.FirstPage
	for pid != InvalidPageID {
		buf, err := p.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		op := WrapOverflowPage(buf)
		result = append(result, op.Data()...)
		next := op.NextOverflow()
		p.UnpinPage(pid)
		pid = next
	}
	if int64(len(result)) != ref.TotalLen {
		return nil, fmt.Errorf("chain %d: expected %d bytes, reassembled %d", ref.FirstPage, ref.TotalLen, len(result))
	}
	return result, nil
}

// FreeChain releases every page in the chain ref points to.
func FreeChain(p *Pager, ref ChainRef) {
	pid := ref.FirstPage
	for pid != InvalidPageID {
		buf, err := p.ReadPage(pid)
		if err != nil {
			break
		}
		op := WrapOverflowPage(buf)
		next := op.NextOverflow()
		p.UnpinPage(pid)
		p.FreePage(pid)
		pid = next
	}
}
