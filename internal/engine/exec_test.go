package engine

import (
	"path/filepath"
	"testing"

	"github.com/scdb/scdb/internal/storage/pager"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	backend, err := pager.NewPageBackend(pager.PageBackendConfig{
		Path: filepath.Join(dir, "test.db"),
	})
	if err != nil {
		t.Fatalf("NewPageBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return NewExecutor(backend, NewPlanCache(0))
}

func mustExec(t *testing.T, ex *Executor, sql string) Result {
	t.Helper()
	res, err := ex.Execute(sql, nil, nil)
	if err != nil {
		t.Fatalf("execute %q: %v", sql, err)
	}
	return res
}

func TestExecutor_CreateInsertSelect(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE people (id INT, name TEXT, age INT)`)
	mustExec(t, ex, `INSERT INTO people (id, name, age) VALUES (1, 'ada', 30)`)
	mustExec(t, ex, `INSERT INTO people (id, name, age) VALUES (2, 'bob', 25)`)

	res := mustExec(t, ex, `SELECT name FROM people WHERE age > 26`)
	if len(res.Rows) != 1 || res.Rows[0][0] != "ada" {
		t.Fatalf("unexpected rows: %+v", res.Rows)
	}
}

func TestExecutor_NoCaseCollationMatchesRegardlessOfCase(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE users (id INT, name TEXT COLLATE NOCASE)`)
	mustExec(t, ex, `INSERT INTO users (id, name) VALUES (1, 'Alice')`)

	res := mustExec(t, ex, `SELECT id FROM users WHERE name = 'alice'`)
	if len(res.Rows) != 1 || res.Rows[0][0] != int64(1) {
		t.Fatalf("expected NOCASE match to find Alice, got rows: %+v", res.Rows)
	}

	res = mustExec(t, ex, `SELECT id FROM users WHERE name = 'bob'`)
	if len(res.Rows) != 0 {
		t.Fatalf("expected no match for a different name, got rows: %+v", res.Rows)
	}
}

func TestExecutor_UpdateAndDelete(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE items (id INT, qty INT)`)
	mustExec(t, ex, `INSERT INTO items (id, qty) VALUES (1, 10)`)
	mustExec(t, ex, `INSERT INTO items (id, qty) VALUES (2, 20)`)

	res := mustExec(t, ex, `UPDATE items SET qty = 99 WHERE id = 1`)
	if res.RowsAffected != 1 {
		t.Fatalf("expected 1 row updated, got %d", res.RowsAffected)
	}

	sel := mustExec(t, ex, `SELECT qty FROM items WHERE id = 1`)
	if len(sel.Rows) != 1 || sel.Rows[0][0] != int64(99) {
		t.Fatalf("unexpected update result: %+v", sel.Rows)
	}

	del := mustExec(t, ex, `DELETE FROM items WHERE id = 2`)
	if del.RowsAffected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", del.RowsAffected)
	}

	remaining := mustExec(t, ex, `SELECT id FROM items`)
	if len(remaining.Rows) != 1 {
		t.Fatalf("expected 1 remaining row, got %d", len(remaining.Rows))
	}
}

func TestExecutor_AggregateAndGroupBy(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE sales (region TEXT, amount INT)`)
	mustExec(t, ex, `INSERT INTO sales (region, amount) VALUES ('east', 10)`)
	mustExec(t, ex, `INSERT INTO sales (region, amount) VALUES ('east', 20)`)
	mustExec(t, ex, `INSERT INTO sales (region, amount) VALUES ('west', 5)`)

	res := mustExec(t, ex, `SELECT region, SUM(amount) FROM sales GROUP BY region ORDER BY region`)
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(res.Rows), res.Rows)
	}
	if res.Rows[0][0] != "east" || res.Rows[0][1] != float64(30) {
		t.Fatalf("unexpected east group: %+v", res.Rows[0])
	}
	if res.Rows[1][0] != "west" || res.Rows[1][1] != float64(5) {
		t.Fatalf("unexpected west group: %+v", res.Rows[1])
	}
}

func TestExecutor_OrderByLimitOffset(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE nums (n INT)`)
	for _, n := range []string{"3", "1", "4", "1", "5"} {
		mustExec(t, ex, `INSERT INTO nums (n) VALUES (`+n+`)`)
	}

	res := mustExec(t, ex, `SELECT n FROM nums ORDER BY n DESC LIMIT 2 OFFSET 1`)
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
	if res.Rows[0][0] != int64(4) || res.Rows[1][0] != int64(3) {
		t.Fatalf("unexpected ordered rows: %+v", res.Rows)
	}
}

func TestExecutor_AlterTableAddColumn(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE widgets (id INT)`)
	mustExec(t, ex, `INSERT INTO widgets (id) VALUES (1)`)
	mustExec(t, ex, `ALTER TABLE widgets ADD COLUMN label TEXT`)

	res := mustExec(t, ex, `SELECT id, label FROM widgets`)
	if len(res.Columns) != 2 {
		t.Fatalf("expected 2 columns after ALTER, got %d", len(res.Columns))
	}
	if res.Rows[0][1] != nil {
		t.Fatalf("expected NULL default for new column, got %v", res.Rows[0][1])
	}
}

func TestExecutor_CreateAndDropIndex(t *testing.T) {
	ex := newTestExecutor(t)

	mustExec(t, ex, `CREATE TABLE tagged (id INT, tag TEXT)`)
	mustExec(t, ex, `CREATE INDEX idx_tag ON tagged (tag)`)
	if _, err := ex.backend.LoadTable("tagged"); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	mustExec(t, ex, `DROP INDEX idx_tag`)
}
