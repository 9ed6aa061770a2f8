// exec.go wires the parsed Statement/Expr trees of ast.go to the
// pager-backed table storage, scoped to spec §6's SQL surface. Tables are
// loaded and rewritten wholesale per statement (PageBackend.LoadTable /
// SaveTable), mirroring the teacher's original bulk-rewrite strategy —
// there is no per-statement incremental B-tree mutation here, since the
// storage layer's own SaveTable already does the full-tree swap.
package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/scdb/scdb/internal/storage"
	"github.com/scdb/scdb/internal/storage/pager"
)

// Result is the outcome of executing one statement.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int
}

// Executor runs parsed statements against a PageBackend.
type Executor struct {
	backend *pager.PageBackend
	cache   *PlanCache
}

// NewExecutor builds an executor over backend, compiling statements through
// cache (pass nil for an uncached executor).
func NewExecutor(backend *pager.PageBackend, cache *PlanCache) *Executor {
	return &Executor{backend: backend, cache: cache}
}

// Execute parses (via the plan cache, if configured) and runs a single SQL
// statement with the given positional/named parameters.
func (ex *Executor) Execute(sql string, params map[string]any, positional []any) (Result, error) {
	stmt, err := ex.parse(sql, len(positional))
	if err != nil {
		return Result{}, err
	}
	return ex.run(stmt, params, positional)
}

func (ex *Executor) parse(sql string, paramShape int) (Statement, error) {
	if ex.cache == nil {
		return Parse(sql)
	}
	return ParseCached(ex.cache, categoryOf(sql), sql, paramShape)
}

// categoryOf guesses a command category from the statement's leading
// keyword, purely for plan-cache bucketing — the parser itself determines
// the real statement type.
func categoryOf(sql string) CommandCategory {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return CmdSelect
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT":
		return CmdSelect
	case "INSERT":
		return CmdInsert
	case "UPDATE":
		return CmdUpdate
	case "DELETE":
		return CmdDelete
	case "CREATE":
		if len(fields) > 1 && strings.EqualFold(fields[1], "INDEX") {
			return CmdCreateIndex
		}
		return CmdCreateTable
	case "DROP":
		if len(fields) > 1 && strings.EqualFold(fields[1], "INDEX") {
			return CmdDropIndex
		}
		return CmdDropTable
	case "ALTER":
		return CmdAlterTable
	case "BEGIN":
		return CmdBegin
	case "COMMIT":
		return CmdCommit
	case "ROLLBACK":
		return CmdRollback
	default:
		return CmdSelect
	}
}

func (ex *Executor) run(stmt Statement, params map[string]any, positional []any) (Result, error) {
	switch s := stmt.(type) {
	case *CreateTableStmt:
		return Result{}, ex.execCreateTable(s)
	case *DropTableStmt:
		return Result{}, ex.backend.DeleteTable(s.Table)
	case *AlterTableAddColumnStmt:
		return Result{}, ex.execAlterAddColumn(s)
	case *CreateIndexStmt:
		return Result{}, ex.execCreateIndex(s)
	case *DropIndexStmt:
		return Result{}, ex.execDropIndex(s)
	case *InsertStmt:
		return ex.execInsert(s, params, positional)
	case *UpdateStmt:
		return ex.execUpdate(s, params, positional)
	case *DeleteStmt:
		return ex.execDelete(s, params, positional)
	case *SelectStmt:
		return ex.execSelect(s, params, positional)
	case *BeginStmt, *CommitStmt, *RollbackStmt:
		// Transaction control is handled by the engine façade's TxManager,
		// not the statement executor; a bare Execute of these is a no-op.
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("unsupported statement type %T", stmt)
	}
}

// ──── DDL ───────────────────────────────────────────────────────────────

func (ex *Executor) execCreateTable(s *CreateTableStmt) error {
	if ex.backend.TableExists(s.Table) {
		return fmt.Errorf("table %q already exists", s.Table)
	}
	cols := make([]storage.Column, len(s.Columns))
	for i, c := range s.Columns {
		var def any
		if c.HasDefault && c.Default != nil {
			v, err := evalConst(c.Default)
			if err != nil {
				return fmt.Errorf("column %s default: %w", c.Name, err)
			}
			def = v
		}
		cols[i] = storage.Column{
			Name:      c.Name,
			Type:      c.Type,
			Nullable:  c.Nullable,
			Default:   def,
			Collation: c.Collation,
			LocaleTag: c.LocaleTag,
			VectorDim: c.VectorDim,
		}
	}
	schema := storage.TableSchema{
		Name:       s.Table,
		Columns:    cols,
		PrimaryKey: s.PrimaryKey,
	}
	return ex.backend.SaveTable(&pager.TableData{Schema: schema, Rows: nil})
}

func (ex *Executor) execAlterAddColumn(s *AlterTableAddColumnStmt) error {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return err
	}
	if td == nil {
		return fmt.Errorf("table %q does not exist", s.Table)
	}
	var def any
	if s.Column.HasDefault && s.Column.Default != nil {
		v, err := evalConst(s.Column.Default)
		if err != nil {
			return err
		}
		def = v
	}
	td.Schema.Columns = append(td.Schema.Columns, storage.Column{
		Name:      s.Column.Name,
		Type:      s.Column.Type,
		Nullable:  s.Column.Nullable,
		Default:   def,
		Collation: s.Column.Collation,
		LocaleTag: s.Column.LocaleTag,
		VectorDim: s.Column.VectorDim,
	})
	for i := range td.Rows {
		td.Rows[i] = append(td.Rows[i], def)
	}
	return ex.backend.SaveTable(td)
}

func (ex *Executor) execCreateIndex(s *CreateIndexStmt) error {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return err
	}
	if td == nil {
		return fmt.Errorf("table %q does not exist", s.Table)
	}
	if td.Schema.ColumnIndex(s.Column) < 0 {
		return fmt.Errorf("column %q not found on table %q", s.Column, s.Table)
	}
	for _, idx := range td.Schema.Indexes {
		if strings.EqualFold(idx.Name, s.Name) {
			return fmt.Errorf("index %q already exists", s.Name)
		}
	}
	td.Schema.Indexes = append(td.Schema.Indexes, storage.IndexDef{
		Name:   s.Name,
		Table:  s.Table,
		Column: s.Column,
		Kind:   s.Kind,
	})
	return ex.backend.SaveTable(td)
}

func (ex *Executor) execDropIndex(s *DropIndexStmt) error {
	names, err := ex.backend.ListTableNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		td, err := ex.backend.LoadTable(name)
		if err != nil || td == nil {
			continue
		}
		for i, idx := range td.Schema.Indexes {
			if strings.EqualFold(idx.Name, s.Name) {
				td.Schema.Indexes = append(td.Schema.Indexes[:i], td.Schema.Indexes[i+1:]...)
				return ex.backend.SaveTable(td)
			}
		}
	}
	return fmt.Errorf("index %q not found", s.Name)
}

// ──── DML ───────────────────────────────────────────────────────────────

func (ex *Executor) execInsert(s *InsertStmt, params map[string]any, positional []any) (Result, error) {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return Result{}, err
	}
	if td == nil {
		return Result{}, fmt.Errorf("table %q does not exist", s.Table)
	}

	cols := s.Columns
	if len(cols) == 0 {
		cols = make([]string, len(td.Schema.Columns))
		for i, c := range td.Schema.Columns {
			cols[i] = c.Name
		}
	}
	targetIdx := make([]int, len(cols))
	for i, name := range cols {
		idx := td.Schema.ColumnIndex(name)
		if idx < 0 {
			return Result{}, fmt.Errorf("column %q not found on table %q", name, s.Table)
		}
		targetIdx[i] = idx
	}

	env := &evalEnv{params: params, positional: positional}
	for _, exprRow := range s.Rows {
		if len(exprRow) != len(cols) {
			return Result{}, fmt.Errorf("value count %d does not match column count %d", len(exprRow), len(cols))
		}
		row := make([]any, len(td.Schema.Columns))
		for i, c := range td.Schema.Columns {
			row[i] = c.Default
		}
		for i, e := range exprRow {
			v, err := eval(e, nil, &td.Schema, env)
			if err != nil {
				return Result{}, err
			}
			v, err = coerceColumnValue(td.Schema.Columns[targetIdx[i]], v)
			if err != nil {
				return Result{}, err
			}
			row[targetIdx[i]] = v
		}
		if err := checkNotNull(&td.Schema, row); err != nil {
			return Result{}, err
		}
		if err := checkPKUnique(&td.Schema, td.Rows, row, -1); err != nil {
			return Result{}, err
		}
		td.Rows = append(td.Rows, row)
	}

	if err := ex.backend.SaveTable(td); err != nil {
		return Result{}, err
	}
	return Result{RowsAffected: len(s.Rows)}, nil
}

func (ex *Executor) execUpdate(s *UpdateStmt, params map[string]any, positional []any) (Result, error) {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return Result{}, err
	}
	if td == nil {
		return Result{}, fmt.Errorf("table %q does not exist", s.Table)
	}

	env := &evalEnv{params: params, positional: positional}
	assignIdx := make([]int, len(s.Assignments))
	for i, a := range s.Assignments {
		idx := td.Schema.ColumnIndex(a.Column)
		if idx < 0 {
			return Result{}, fmt.Errorf("column %q not found on table %q", a.Column, s.Table)
		}
		assignIdx[i] = idx
	}

	affected := 0
	for i, row := range td.Rows {
		match, err := matchWhere(s.Where, row, &td.Schema, env)
		if err != nil {
			return Result{}, err
		}
		if !match {
			continue
		}
		for j, a := range s.Assignments {
			v, err := eval(a.Value, row, &td.Schema, env)
			if err != nil {
				return Result{}, err
			}
			v, err = coerceColumnValue(td.Schema.Columns[assignIdx[j]], v)
			if err != nil {
				return Result{}, err
			}
			row[assignIdx[j]] = v
		}
		if err := checkNotNull(&td.Schema, row); err != nil {
			return Result{}, err
		}
		if err := checkPKUnique(&td.Schema, td.Rows, row, i); err != nil {
			return Result{}, err
		}
		affected++
	}

	if err := ex.backend.SaveTable(td); err != nil {
		return Result{}, err
	}
	return Result{RowsAffected: affected}, nil
}

func (ex *Executor) execDelete(s *DeleteStmt, params map[string]any, positional []any) (Result, error) {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return Result{}, err
	}
	if td == nil {
		return Result{}, fmt.Errorf("table %q does not exist", s.Table)
	}

	env := &evalEnv{params: params, positional: positional}
	kept := td.Rows[:0]
	affected := 0
	for _, row := range td.Rows {
		match, err := matchWhere(s.Where, row, &td.Schema, env)
		if err != nil {
			return Result{}, err
		}
		if match {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	td.Rows = kept

	if err := ex.backend.SaveTable(td); err != nil {
		return Result{}, err
	}
	return Result{RowsAffected: affected}, nil
}

// coerceColumnValue normalizes a value bound for a DECIMAL or UUID column
// into the engine's canonical in-memory representation (*big.Rat, uuid.UUID)
// so equality/comparison and catalog round-tripping see one consistent type
// regardless of whether the value arrived as a literal, a parameter, or a
// string. Every other column type passes through unchanged.
func coerceColumnValue(col storage.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case storage.DecimalType:
		if r, ok := storage.AsBigRat(v); ok {
			return r, nil
		}
		r, ok := storage.DecimalFromAny(v)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot convert %T to DECIMAL", col.Name, v)
		}
		return r, nil
	case storage.UUIDType:
		if u, ok := v.(uuid.UUID); ok {
			return u, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("column %q: cannot convert %T to UUID", col.Name, v)
		}
		u, err := storage.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return u, nil
	default:
		return v, nil
	}
}

// ──── Constraints (NOT NULL, PRIMARY KEY uniqueness) ───────────────────────

// checkNotNull reports a ConstraintViolation if row carries a nil value in
// any column schema declares non-nullable.
func checkNotNull(schema *storage.TableSchema, row []any) error {
	for i, c := range schema.Columns {
		if c.Nullable {
			continue
		}
		if i < len(row) && row[i] == nil {
			return &storage.Error{
				Kind:    storage.KindConstraintViolation,
				Message: fmt.Sprintf("column %q of table %q does not allow NULL", c.Name, schema.Name),
			}
		}
	}
	return nil
}

// checkPKUnique reports a ConstraintViolation if candidate's primary-key
// column values collide with any row in rows other than the one at skipIdx
// (skipIdx is -1 for an insert, where there is no "self" to exclude).
func checkPKUnique(schema *storage.TableSchema, rows [][]any, candidate []any, skipIdx int) error {
	pkIdx := schema.PrimaryKeyIndexes()
	if len(pkIdx) == 0 {
		return nil
	}
	for i, r := range rows {
		if i == skipIdx {
			continue
		}
		if pkValuesEqual(pkIdx, r, candidate) {
			return &storage.Error{
				Kind:    storage.KindConstraintViolation,
				Message: fmt.Sprintf("duplicate value for primary key %v on table %q", schema.PrimaryKey, schema.Name),
			}
		}
	}
	return nil
}

func pkValuesEqual(pkIdx []int, a, b []any) bool {
	for _, idx := range pkIdx {
		if idx < 0 || idx >= len(a) || idx >= len(b) {
			return false
		}
		if !valuesEqual(a[idx], b[idx]) {
			return false
		}
	}
	return true
}

func matchWhere(where Expr, row []any, schema *storage.TableSchema, env *evalEnv) (bool, error) {
	if where == nil {
		return true, nil
	}
	v, err := eval(where, row, schema, env)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// ──── SELECT ────────────────────────────────────────────────────────────

func (ex *Executor) execSelect(s *SelectStmt, params map[string]any, positional []any) (Result, error) {
	td, err := ex.backend.LoadTable(s.Table)
	if err != nil {
		return Result{}, err
	}
	if td == nil {
		return Result{}, fmt.Errorf("table %q does not exist", s.Table)
	}

	env := &evalEnv{params: params, positional: positional}
	var matched [][]any
	for _, row := range td.Rows {
		ok, err := matchWhere(s.Where, row, &td.Schema, env)
		if err != nil {
			return Result{}, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	hasAgg := false
	for _, item := range s.Columns {
		if item.Agg != AggNone {
			hasAgg = true
		}
	}

	var outCols []string
	var outRows [][]any
	if len(s.GroupBy) > 0 || hasAgg {
		outCols, outRows, err = groupAndAggregate(s, matched, &td.Schema, env)
		if err != nil {
			return Result{}, err
		}
	} else {
		outCols, outRows, err = project(s.Columns, matched, &td.Schema)
		if err != nil {
			return Result{}, err
		}
	}

	if len(s.OrderBy) > 0 {
		sortRows(outRows, outCols, s.OrderBy, &td.Schema)
	}
	outRows = applyLimitOffset(outRows, s.HasLimit, s.Limit, s.Offset)

	return Result{Columns: outCols, Rows: outRows}, nil
}

func project(items []SelectItem, rows [][]any, schema *storage.TableSchema) ([]string, [][]any, error) {
	var cols []string
	var idxs []int
	for _, item := range items {
		if item.Star {
			for i, c := range schema.Columns {
				cols = append(cols, c.Name)
				idxs = append(idxs, i)
			}
			continue
		}
		idx := schema.ColumnIndex(item.Col)
		if idx < 0 {
			return nil, nil, fmt.Errorf("column %q not found", item.Col)
		}
		name := item.Col
		if item.Alias != "" {
			name = item.Alias
		}
		cols = append(cols, name)
		idxs = append(idxs, idx)
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		projected := make([]any, len(idxs))
		for j, idx := range idxs {
			projected[j] = row[idx]
		}
		out[i] = projected
	}
	return cols, out, nil
}

func groupAndAggregate(s *SelectStmt, rows [][]any, schema *storage.TableSchema, env *evalEnv) ([]string, [][]any, error) {
	groupIdx := make([]int, len(s.GroupBy))
	for i, name := range s.GroupBy {
		idx := schema.ColumnIndex(name)
		if idx < 0 {
			return nil, nil, fmt.Errorf("GROUP BY column %q not found", name)
		}
		groupIdx[i] = idx
	}

	type groupKey string
	members := make(map[groupKey][][]any)
	var order []groupKey

	for _, row := range rows {
		parts := make([]string, len(groupIdx))
		for i, idx := range groupIdx {
			parts[i] = fmt.Sprintf("%v", row[idx])
		}
		key := groupKey(strings.Join(parts, "\x1f"))
		if _, ok := members[key]; !ok {
			order = append(order, key)
		}
		members[key] = append(members[key], row)
	}
	if len(groupIdx) == 0 && len(rows) > 0 {
		// No GROUP BY but an aggregate is present: the whole result set is
		// one implicit group.
		order = []groupKey{""}
		members[""] = rows
	} else if len(groupIdx) == 0 && len(rows) == 0 {
		order = []groupKey{""}
		members[""] = nil
	}

	var outCols []string
	for _, item := range s.Columns {
		name := item.Col
		if item.Agg != AggNone {
			name = aggName(item.Agg, item.Col)
		}
		if item.Alias != "" {
			name = item.Alias
		}
		outCols = append(outCols, name)
	}

	var outRows [][]any
	for _, key := range order {
		grp := members[key]
		outRow := make([]any, len(s.Columns))
		for i, item := range s.Columns {
			if item.Agg == AggNone {
				idx := schema.ColumnIndex(item.Col)
				if idx < 0 {
					return nil, nil, fmt.Errorf("column %q not found", item.Col)
				}
				if len(grp) > 0 {
					outRow[i] = grp[0][idx]
				}
				continue
			}
			v, err := aggregate(item.Agg, item.Col, grp, schema)
			if err != nil {
				return nil, nil, err
			}
			outRow[i] = v
		}
		if s.Having != nil {
			ok, err := evalHaving(s.Having, outRow, outCols)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
		}
		outRows = append(outRows, outRow)
	}
	return outCols, outRows, nil
}

func aggName(k AggKind, col string) string {
	switch k {
	case AggCount:
		return "COUNT(" + col + ")"
	case AggSum:
		return "SUM(" + col + ")"
	case AggAvg:
		return "AVG(" + col + ")"
	case AggMin:
		return "MIN(" + col + ")"
	case AggMax:
		return "MAX(" + col + ")"
	default:
		return col
	}
}

func aggregate(k AggKind, col string, rows [][]any, schema *storage.TableSchema) (any, error) {
	if k == AggCount && col == "*" {
		return int64(len(rows)), nil
	}
	idx := schema.ColumnIndex(col)
	if idx < 0 {
		return nil, fmt.Errorf("aggregate column %q not found", col)
	}
	switch k {
	case AggCount:
		n := int64(0)
		for _, r := range rows {
			if r[idx] != nil {
				n++
			}
		}
		return n, nil
	case AggSum, AggAvg:
		var sum float64
		n := 0
		for _, r := range rows {
			f, ok := toFloat(r[idx])
			if !ok {
				continue
			}
			sum += f
			n++
		}
		if k == AggSum {
			return sum, nil
		}
		if n == 0 {
			return nil, nil
		}
		return sum / float64(n), nil
	case AggMin, AggMax:
		var best any
		for _, r := range rows {
			v := r[idx]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			collation, localeTag := columnCollationByName(schema, col)
			cmp := compareValuesCollated(v, best, collation, localeTag)
			if (k == AggMin && cmp < 0) || (k == AggMax && cmp > 0) {
				best = v
			}
		}
		return best, nil
	default:
		return nil, fmt.Errorf("unknown aggregate kind %v", k)
	}
}

// evalHaving re-evaluates a HAVING expression against an already-projected
// aggregate row by matching ColumnExpr names to the output column list.
func evalHaving(e Expr, outRow []any, outCols []string) (bool, error) {
	v, err := evalAgainstNamed(e, outRow, outCols)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

func sortRows(rows [][]any, cols []string, order []OrderTerm, schema *storage.TableSchema) {
	colIdx := make(map[string]int, len(cols))
	for i, c := range cols {
		colIdx[c] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range order {
			idx, ok := colIdx[term.Col]
			if !ok {
				continue
			}
			collation, localeTag := columnCollationByName(schema, term.Col)
			cmp := compareValuesCollated(rows[i][idx], rows[j][idx], collation, localeTag)
			if cmp == 0 {
				continue
			}
			if term.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func applyLimitOffset(rows [][]any, hasLimit bool, limit, offset int64) [][]any {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return nil
		}
		rows = rows[offset:]
	}
	if hasLimit && limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}
