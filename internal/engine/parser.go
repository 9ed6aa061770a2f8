// parser.go implements the recursive-descent parser consuming lexer.go's
// token stream and producing the Statement/Expr trees of ast.go. Grammar
// coverage is exactly spec §6: DDL, the enumerated DML/SELECT clauses, the
// five aggregates, transaction control, and both placeholder styles.
package engine

import (
	"fmt"
	"strconv"

	"github.com/scdb/scdb/internal/storage"
)

type parser struct {
	toks     []token
	pos      int
	paramIdx int
}

// Parse tokenizes and parses a single SQL statement.
func Parse(sql string) (Statement, error) {
	lx := newLexer(sql)
	var toks []token
	for {
		t := lx.nextToken()
		toks = append(toks, t)
		if t.Typ == tEOF {
			break
		}
	}
	p := &parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		if !(p.cur().Typ == tSymbol && p.cur().Val == ";" && p.peekAt(1).Typ == tEOF) {
			return nil, p.errf("unexpected trailing input near %q", p.cur().Val)
		}
	}
	return stmt, nil
}

func (p *parser) cur() token { return p.toks[p.pos] }
func (p *parser) peekAt(n int) token {
	i := p.pos + n
	if i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[i]
}
func (p *parser) atEOF() bool { return p.cur().Typ == tEOF }
func (p *parser) advance() token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("parse error at position %d: %s", p.cur().Pos, fmt.Sprintf(format, args...))
}

func (p *parser) expectKeyword(kw string) error {
	if p.cur().Typ == tKeyword && p.cur().Val == kw {
		p.advance()
		return nil
	}
	return p.errf("expected %s, got %q", kw, p.cur().Val)
}

func (p *parser) isKeyword(kw string) bool {
	return p.cur().Typ == tKeyword && p.cur().Val == kw
}

func (p *parser) expectSymbol(sym string) error {
	if p.cur().Typ == tSymbol && p.cur().Val == sym {
		p.advance()
		return nil
	}
	return p.errf("expected %q, got %q", sym, p.cur().Val)
}

func (p *parser) isSymbol(sym string) bool {
	return p.cur().Typ == tSymbol && p.cur().Val == sym
}

func (p *parser) expectIdent() (string, error) {
	if p.cur().Typ == tIdent {
		t := p.advance()
		return t.Val, nil
	}
	return "", p.errf("expected identifier, got %q", p.cur().Val)
}

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("DROP"):
		return p.parseDrop()
	case p.isKeyword("ALTER"):
		return p.parseAlter()
	case p.isKeyword("BEGIN"):
		p.advance()
		return &BeginStmt{}, nil
	case p.isKeyword("COMMIT"):
		p.advance()
		return &CommitStmt{}, nil
	case p.isKeyword("ROLLBACK"):
		p.advance()
		return &RollbackStmt{}, nil
	default:
		return nil, p.errf("unexpected token %q", p.cur().Val)
	}
}

// --- DDL ---

func (p *parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	switch {
	case p.isKeyword("TABLE"):
		return p.parseCreateTable()
	case p.isKeyword("INDEX"):
		return p.parseCreateIndex()
	default:
		return nil, p.errf("expected TABLE or INDEX after CREATE, got %q", p.cur().Val)
	}
}

func (p *parser) parseCreateTable() (Statement, error) {
	p.advance() // TABLE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	stmt := &CreateTableStmt{Table: name}
	for {
		if p.isKeyword("PRIMARY") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			for {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				stmt.PrimaryKey = append(stmt.PrimaryKey, col)
				if p.isSymbol(",") {
					p.advance()
					continue
				}
				break
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
		} else {
			col, err := p.parseColumnDecl()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
		}
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseColumnDecl() (ColumnDecl, error) {
	var cd ColumnDecl
	name, err := p.expectIdent()
	if err != nil {
		return cd, err
	}
	cd.Name = name
	cd.Nullable = true
	typ, dim, err := p.parseColType()
	if err != nil {
		return cd, err
	}
	cd.Type = typ
	cd.VectorDim = dim

	for {
		switch {
		case p.isKeyword("NOT"):
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return cd, err
			}
			cd.Nullable = false
		case p.isKeyword("DEFAULT"):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return cd, err
			}
			cd.HasDefault = true
			cd.Default = e
		case p.isKeyword("COLLATE"):
			p.advance()
			collName, err := p.expectCollationName()
			if err != nil {
				return cd, err
			}
			localeTag := ""
			if p.isSymbol("(") {
				p.advance()
				if p.cur().Typ != tString {
					return cd, p.errf("expected string locale tag, got %q", p.cur().Val)
				}
				localeTag = p.advance().Val
				if err := p.expectSymbol(")"); err != nil {
					return cd, err
				}
			}
			coll, err := storage.ParseCollation(collName, localeTag)
			if err != nil {
				return cd, err
			}
			cd.Collation = coll
			cd.LocaleTag = localeTag
		default:
			return cd, nil
		}
	}
}

func (p *parser) expectCollationName() (string, error) {
	if p.cur().Typ == tKeyword {
		return p.advance().Val, nil
	}
	return "", p.errf("expected collation name, got %q", p.cur().Val)
}

func (p *parser) parseColType() (storage.ColType, int, error) {
	if p.cur().Typ != tKeyword {
		return 0, 0, p.errf("expected type name, got %q", p.cur().Val)
	}
	name := p.advance().Val
	switch name {
	case "INT", "INTEGER":
		return storage.IntType, 0, nil
	case "BIGINT":
		return storage.BigIntType, 0, nil
	case "DOUBLE":
		return storage.DoubleType, 0, nil
	case "DECIMAL":
		return storage.DecimalType, 0, nil
	case "TEXT", "STRING":
		return storage.StringType, 0, nil
	case "BLOB":
		return storage.BlobType, 0, nil
	case "BOOL", "BOOLEAN":
		return storage.BoolType, 0, nil
	case "DATETIME":
		return storage.DateTimeType, 0, nil
	case "UUID":
		return storage.UUIDType, 0, nil
	case "VECTOR":
		dim := 0
		if p.isSymbol("(") {
			p.advance()
			if p.cur().Typ != tNumber {
				return 0, 0, p.errf("expected vector dimension, got %q", p.cur().Val)
			}
			n, err := strconv.Atoi(p.advance().Val)
			if err != nil {
				return 0, 0, p.errf("invalid vector dimension: %v", err)
			}
			dim = n
			if err := p.expectSymbol(")"); err != nil {
				return 0, 0, err
			}
		}
		return storage.VectorType, dim, nil
	default:
		return 0, 0, p.errf("unknown column type %q", name)
	}
}

func (p *parser) parseDrop() (Statement, error) {
	p.advance() // DROP
	switch {
	case p.isKeyword("TABLE"):
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DropTableStmt{Table: name}, nil
	case p.isKeyword("INDEX"):
		p.advance()
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DropIndexStmt{Name: name}, nil
	default:
		return nil, p.errf("expected TABLE or INDEX after DROP, got %q", p.cur().Val)
	}
}

func (p *parser) parseAlter() (Statement, error) {
	p.advance() // ALTER
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ADD"); err != nil {
		return nil, err
	}
	if p.isKeyword("COLUMN") {
		p.advance()
	}
	col, err := p.parseColumnDecl()
	if err != nil {
		return nil, err
	}
	return &AlterTableAddColumnStmt{Table: table, Column: col}, nil
}

func (p *parser) parseCreateIndex() (Statement, error) {
	p.advance() // INDEX
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	// ON is not in the keyword table (deliberately minimal), so it lexes as
	// a plain identifier.
	if p.cur().Typ != tIdent || upper(p.cur().Val) != "ON" {
		return nil, p.errf("expected ON, got %q", p.cur().Val)
	}
	p.advance()
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	kind := storage.IndexBTree
	if p.isKeyword("USING") {
		p.advance()
		switch {
		case p.isKeyword("BTREE"):
			p.advance()
			kind = storage.IndexBTree
		case p.isKeyword("HASH"):
			p.advance()
			kind = storage.IndexHash
		default:
			return nil, p.errf("expected BTREE or HASH after USING, got %q", p.cur().Val)
		}
	}
	return &CreateIndexStmt{Name: name, Table: table, Column: col, Kind: kind}, nil
}

// --- DML ---

func (p *parser) parseInsert() (Statement, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &InsertStmt{Table: table}
	if p.isSymbol("(") {
		p.advance()
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		stmt.Rows = append(stmt.Rows, row)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return stmt, nil
}

func (p *parser) parseUpdate() (Statement, error) {
	p.advance() // UPDATE
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	stmt := &UpdateStmt{Table: table}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Assignments = append(stmt.Assignments, Assignment{Column: col, Value: val})
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *parser) parseDelete() (Statement, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{Table: table}
	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *parser) parseSelect() (Statement, error) {
	p.advance() // SELECT
	stmt := &SelectStmt{}
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, item)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt.Table = table

	if p.isKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	if p.isKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, col)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.isKeyword("HAVING") {
		p.advance()
		h, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = h
	}
	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Col: col}
			if p.isKeyword("DESC") {
				p.advance()
				term.Desc = true
			} else if p.isKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, term)
			if p.isSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.isKeyword("LIMIT") {
		p.advance()
		if p.cur().Typ != tNumber {
			return nil, p.errf("expected number after LIMIT, got %q", p.cur().Val)
		}
		n, err := strconv.ParseInt(p.advance().Val, 10, 64)
		if err != nil {
			return nil, p.errf("invalid LIMIT value: %v", err)
		}
		stmt.Limit = n
		stmt.HasLimit = true
	}
	if p.isKeyword("OFFSET") {
		p.advance()
		if p.cur().Typ != tNumber {
			return nil, p.errf("expected number after OFFSET, got %q", p.cur().Val)
		}
		n, err := strconv.ParseInt(p.advance().Val, 10, 64)
		if err != nil {
			return nil, p.errf("invalid OFFSET value: %v", err)
		}
		stmt.Offset = n
	}
	return stmt, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	if p.isSymbol("*") {
		p.advance()
		return SelectItem{Star: true}, nil
	}
	if agg, ok := aggKeyword(p.cur()); ok {
		p.advance()
		if err := p.expectSymbol("("); err != nil {
			return SelectItem{}, err
		}
		col := ""
		if p.isSymbol("*") {
			p.advance()
			col = "*"
		} else {
			c, err := p.expectIdent()
			if err != nil {
				return SelectItem{}, err
			}
			col = c
		}
		if err := p.expectSymbol(")"); err != nil {
			return SelectItem{}, err
		}
		item := SelectItem{Agg: agg, Col: col}
		if p.cur().Typ == tIdent && upper(p.cur().Val) == "AS" {
			p.advance()
		}
		if p.cur().Typ == tIdent {
			item.Alias = p.advance().Val
		}
		return item, nil
	}
	col, err := p.expectIdent()
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Col: col}
	if p.cur().Typ == tIdent && upper(p.cur().Val) == "AS" {
		p.advance()
	}
	if p.cur().Typ == tIdent {
		item.Alias = p.advance().Val
	}
	return item, nil
}

func aggKeyword(t token) (AggKind, bool) {
	if t.Typ != tKeyword {
		return AggNone, false
	}
	switch t.Val {
	case "COUNT":
		return AggCount, true
	case "SUM":
		return AggSum, true
	case "AVG":
		return AggAvg, true
	case "MIN":
		return AggMin, true
	case "MAX":
		return AggMax, true
	default:
		return AggNone, false
	}
}

// --- expressions (precedence climbing, lowest to highest) ---
//
// or -> and -> not -> comparison (incl. BETWEEN/IN/LIKE/IS NULL) ->
// addsub -> muldiv -> unary -> primary

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Expr: e}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	switch {
	case p.isKeyword("BETWEEN"):
		p.advance()
		low, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return &BetweenExpr{Expr: left, Low: low, High: high}, nil
	case p.isKeyword("IN"):
		p.advance()
		list, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		return &InExpr{Expr: left, List: list}, nil
	case p.isKeyword("LIKE"):
		p.advance()
		pat, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return &LikeExpr{Expr: left, Pattern: pat}, nil
	case p.isKeyword("IS"):
		p.advance()
		not := false
		if p.isKeyword("NOT") {
			p.advance()
			not = true
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNullExpr{Expr: left, Not: not}, nil
	case p.cur().Typ == tSymbol && isCompareOp(p.cur().Val):
		op := p.advance().Val
		right, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op, Left: left, Right: right}, nil
	default:
		return left, nil
	}
}

func isCompareOp(v string) bool {
	switch v {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		return true
	default:
		return false
	}
}

func (p *parser) parseExprList() ([]Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var out []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.isSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseAddSub() (Expr, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for p.cur().Typ == tSymbol && (p.cur().Val == "+" || p.cur().Val == "-") {
		op := p.advance().Val
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMulDiv() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Typ == tSymbol && (p.cur().Val == "*" || p.cur().Val == "/" || p.cur().Val == "%") {
		op := p.advance().Val
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur().Typ == tSymbol && p.cur().Val == "-" {
		p.advance()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Expr: e}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Typ {
	case tNumber:
		p.advance()
		if containsDot(t.Val) {
			f, err := strconv.ParseFloat(t.Val, 64)
			if err != nil {
				return nil, p.errf("invalid numeric literal %q", t.Val)
			}
			return &LiteralExpr{Value: f}, nil
		}
		n, err := strconv.ParseInt(t.Val, 10, 64)
		if err != nil {
			return nil, p.errf("invalid integer literal %q", t.Val)
		}
		return &LiteralExpr{Value: n}, nil
	case tString:
		p.advance()
		return &LiteralExpr{Value: t.Val}, nil
	case tPositionalParam:
		idx := p.paramIdx
		p.paramIdx++
		p.advance()
		return &ParamExpr{Positional: true, Index: idx}, nil
	case tNamedParam:
		p.advance()
		return &ParamExpr{Name: t.Val}, nil
	case tKeyword:
		switch t.Val {
		case "TRUE":
			p.advance()
			return &LiteralExpr{Value: true}, nil
		case "FALSE":
			p.advance()
			return &LiteralExpr{Value: false}, nil
		case "NULL":
			p.advance()
			return &LiteralExpr{Value: nil}, nil
		}
		return nil, p.errf("unexpected keyword %q in expression", t.Val)
	case tIdent:
		p.advance()
		return &ColumnExpr{Name: t.Val}, nil
	case tSymbol:
		if t.Val == "(" {
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, p.errf("unexpected token %q in expression", t.Val)
}

func containsDot(s string) bool {
	for _, c := range s {
		if c == '.' {
			return true
		}
	}
	return false
}
