package pager

import (
	"fmt"
	"testing"
)

func TestHashIndex_InsertAndLookup(t *testing.T) {
	p := newTestPager(t)
	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	hi, err := CreateHashIndex(p, txID)
	if err != nil {
		t.Fatalf("CreateHashIndex: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		if err := hi.Insert(txID, key, int64(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		rows, err := hi.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if len(rows) != 1 || rows[0] != int64(i) {
			t.Fatalf("Lookup %d: got %v", i, rows)
		}
	}

	if _, err := hi.Lookup([]byte("missing")); err != nil {
		t.Fatalf("Lookup missing: %v", err)
	}
	if rows, _ := hi.Lookup([]byte("missing")); len(rows) != 0 {
		t.Fatalf("expected no rows for missing key, got %v", rows)
	}
}

func TestHashIndex_RehashPreservesEntries(t *testing.T) {
	p := newTestPager(t)
	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	hi, err := CreateHashIndex(p, txID)
	if err != nil {
		t.Fatalf("CreateHashIndex: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("row-%05d", i))
		if err := hi.Insert(txID, key, int64(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	if len(hi.Directory()) <= 16 {
		t.Fatalf("expected directory to have grown past initial size, got %d", len(hi.Directory()))
	}
	if got := hi.Count(); got != n {
		t.Fatalf("expected count %d, got %d", n, got)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("row-%05d", i))
		rows, err := hi.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if len(rows) != 1 || rows[0] != int64(i) {
			t.Fatalf("Lookup %d after rehash: got %v", i, rows)
		}
	}
}

func TestHashIndex_DuplicateKeysChain(t *testing.T) {
	p := newTestPager(t)
	txID, err := p.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	hi, err := CreateHashIndex(p, txID)
	if err != nil {
		t.Fatalf("CreateHashIndex: %v", err)
	}

	key := []byte("shared")
	for i := 0; i < 5; i++ {
		if err := hi.Insert(txID, key, int64(i)); err != nil {
			t.Fatalf("Insert dup %d: %v", i, err)
		}
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	rows, err := hi.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows for shared key, got %d", len(rows))
	}
}

func TestHashBucketPage_AppendUntilFull(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	bp := InitHashBucketPage(buf, PageID(1))
	if bp.NextOverflow() != InvalidPageID {
		t.Fatalf("fresh bucket page should have no overflow")
	}
	count := 0
	for {
		ok := bp.TryAppend([]byte(fmt.Sprintf("k%d", count)), int64(count))
		if !ok {
			break
		}
		count++
	}
	if count == 0 {
		t.Fatalf("expected at least one entry to fit in a page")
	}
	entries := bp.Entries()
	if len(entries) != count {
		t.Fatalf("expected %d entries, got %d", count, len(entries))
	}
}
