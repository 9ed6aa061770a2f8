// eval.go evaluates Expr trees against a row, grounded in the teacher's
// evalExpr/compare/matchLikePattern family (internal/engine/exec.go) but
// reworked against the row-as-slice model (storage.TableSchema.ColumnIndex)
// instead of the teacher's row-as-map model.
package engine

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/scdb/scdb/internal/storage"
)

// evalEnv carries the parameter bindings available to a statement's
// expressions: positional (`?`) and named (`@name`/`:name`) placeholders.
type evalEnv struct {
	params     map[string]any
	positional []any
}

// evalConst evaluates an expression with no row context, for DDL defaults.
func evalConst(e Expr) (any, error) {
	return eval(e, nil, nil, &evalEnv{})
}

// evalAgainstNamed evaluates e against an already-projected row, resolving
// ColumnExpr by matching its name to outCols rather than a schema — used for
// HAVING, which runs after aggregation has produced named output columns.
func evalAgainstNamed(e Expr, outRow []any, outCols []string) (any, error) {
	schema := &storage.TableSchema{}
	for _, name := range outCols {
		schema.Columns = append(schema.Columns, storage.Column{Name: name})
	}
	return eval(e, outRow, schema, &evalEnv{})
}

func eval(e Expr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	switch ex := e.(type) {
	case *LiteralExpr:
		return ex.Value, nil
	case *ColumnExpr:
		return evalColumn(ex, row, schema)
	case *ParamExpr:
		return evalParam(ex, env)
	case *UnaryExpr:
		return evalUnary(ex, row, schema, env)
	case *BinaryExpr:
		return evalBinary(ex, row, schema, env)
	case *BetweenExpr:
		return evalBetween(ex, row, schema, env)
	case *InExpr:
		return evalIn(ex, row, schema, env)
	case *LikeExpr:
		return evalLike(ex, row, schema, env)
	case *IsNullExpr:
		return evalIsNull(ex, row, schema, env)
	default:
		return nil, fmt.Errorf("unknown expression type %T", e)
	}
}

func evalColumn(ex *ColumnExpr, row []any, schema *storage.TableSchema) (any, error) {
	if schema == nil {
		return nil, fmt.Errorf("column %q referenced with no schema in scope", ex.Name)
	}
	idx := schema.ColumnIndex(ex.Name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found", ex.Name)
	}
	if idx >= len(row) {
		return nil, nil
	}
	return row[idx], nil
}

func evalParam(ex *ParamExpr, env *evalEnv) (any, error) {
	if ex.Positional {
		if ex.Index < 0 || ex.Index >= len(env.positional) {
			return nil, fmt.Errorf("positional parameter ?%d out of range", ex.Index+1)
		}
		return env.positional[ex.Index], nil
	}
	v, ok := env.params[ex.Name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not bound", ex.Name)
	}
	return v, nil
}

func evalUnary(ex *UnaryExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	v, err := eval(ex.Expr, row, schema, env)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(ex.Op) {
	case "NOT":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		if i, ok := v.(int64); ok {
			return -i, nil
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %q", ex.Op)
	}
}

func evalBinary(ex *BinaryExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	op := strings.ToUpper(ex.Op)

	// AND/OR short-circuit rather than evaluating both sides unconditionally.
	if op == "AND" || op == "OR" {
		l, err := eval(ex.Left, row, schema, env)
		if err != nil {
			return nil, err
		}
		if op == "AND" && !truthy(l) {
			return false, nil
		}
		if op == "OR" && truthy(l) {
			return true, nil
		}
		r, err := eval(ex.Right, row, schema, env)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := eval(ex.Left, row, schema, env)
	if err != nil {
		return nil, err
	}
	r, err := eval(ex.Right, row, schema, env)
	if err != nil {
		return nil, err
	}

	switch op {
	case "=", "==":
		col, tag := pickCollation(ex.Left, ex.Right, schema)
		return valuesEqualCollated(l, r, col, tag), nil
	case "!=", "<>":
		col, tag := pickCollation(ex.Left, ex.Right, schema)
		return !valuesEqualCollated(l, r, col, tag), nil
	case "<", "<=", ">", ">=":
		if l == nil || r == nil {
			return false, nil
		}
		col, tag := pickCollation(ex.Left, ex.Right, schema)
		cmp := compareValuesCollated(l, r, col, tag)
		switch op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "+", "-", "*", "/", "%":
		return evalArith(op, l, r)
	default:
		return nil, fmt.Errorf("unknown binary operator %q", ex.Op)
	}
}

func evalArith(op string, l, r any) (any, error) {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, l, r)
	}
	li, lIsInt := l.(int64)
	ri, rIsInt := r.(int64)
	bothInt := lIsInt && rIsInt && op != "/"
	switch op {
	case "+":
		if bothInt {
			return li + ri, nil
		}
		return lf + rf, nil
	case "-":
		if bothInt {
			return li - ri, nil
		}
		return lf - rf, nil
	case "*":
		if bothInt {
			return li * ri, nil
		}
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if !lIsInt || !rIsInt || ri == 0 {
			return nil, fmt.Errorf("modulo requires nonzero integer operands")
		}
		return li % ri, nil
	default:
		return nil, fmt.Errorf("unknown arithmetic operator %q", op)
	}
}

func evalBetween(ex *BetweenExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	v, err := eval(ex.Expr, row, schema, env)
	if err != nil {
		return nil, err
	}
	lo, err := eval(ex.Low, row, schema, env)
	if err != nil {
		return nil, err
	}
	hi, err := eval(ex.High, row, schema, env)
	if err != nil {
		return nil, err
	}
	if v == nil || lo == nil || hi == nil {
		return false, nil
	}
	col, tag := exprCollation(ex.Expr, schema)
	return compareValuesCollated(v, lo, col, tag) >= 0 && compareValuesCollated(v, hi, col, tag) <= 0, nil
}

func evalIn(ex *InExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	v, err := eval(ex.Expr, row, schema, env)
	if err != nil {
		return nil, err
	}
	col, tag := exprCollation(ex.Expr, schema)
	found := false
	for _, item := range ex.List {
		iv, err := eval(item, row, schema, env)
		if err != nil {
			return nil, err
		}
		if valuesEqualCollated(v, iv, col, tag) {
			found = true
			break
		}
	}
	if ex.Not {
		return !found, nil
	}
	return found, nil
}

func evalLike(ex *LikeExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	v, err := eval(ex.Expr, row, schema, env)
	if err != nil {
		return nil, err
	}
	p, err := eval(ex.Pattern, row, schema, env)
	if err != nil {
		return nil, err
	}
	str, ok := v.(string)
	if !ok {
		str = fmt.Sprintf("%v", v)
	}
	pattern, ok := p.(string)
	if !ok {
		pattern = fmt.Sprintf("%v", p)
	}
	matched := matchLikePattern(str, pattern, '\\')
	if ex.Not {
		return !matched, nil
	}
	return matched, nil
}

func evalIsNull(ex *IsNullExpr, row []any, schema *storage.TableSchema, env *evalEnv) (any, error) {
	v, err := eval(ex.Expr, row, schema, env)
	if err != nil {
		return nil, err
	}
	isNull := v == nil
	if ex.Not {
		return !isNull, nil
	}
	return isNull, nil
}

// matchLikePattern matches str against a SQL LIKE pattern; % matches zero or
// more characters, _ matches exactly one, and escape escapes either in the
// pattern.
func matchLikePattern(str, pattern string, escape rune) bool {
	sIdx, pIdx := 0, 0
	sLen, pLen := len(str), len(pattern)
	star := -1
	match := 0

	for sIdx < sLen {
		if pIdx < pLen {
			pChar := rune(pattern[pIdx])
			if pChar == escape && pIdx+1 < pLen {
				if str[sIdx] == pattern[pIdx+1] {
					sIdx++
					pIdx += 2
					continue
				}
			} else if pChar == '%' {
				star = pIdx
				match = sIdx
				pIdx++
				continue
			} else if pChar == '_' || str[sIdx] == pattern[pIdx] {
				sIdx++
				pIdx++
				continue
			}
		}
		if star != -1 {
			pIdx = star + 1
			match++
			sIdx = match
			continue
		}
		return false
	}
	for pIdx < pLen && pattern[pIdx] == '%' {
		pIdx++
	}
	return pIdx == pLen
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case *big.Rat:
		f, _ := t.Float64()
		return f, true
	default:
		return 0, false
	}
}

// decimalFromEither returns both operands as *big.Rat when at least one of
// them is already decimal-typed, so a DECIMAL column compares correctly
// against a plain numeric-literal string (`balance = '19.99'`) without
// making every TEXT-to-TEXT comparison numeric-coercing in the process.
func decimalFromEither(a, b any) (*big.Rat, *big.Rat, bool) {
	_, aIsRat := a.(*big.Rat)
	_, bIsRat := b.(*big.Rat)
	if !aIsRat && !bIsRat {
		return nil, nil, false
	}
	ra, ok := storage.DecimalFromAny(a)
	if !ok {
		return nil, nil, false
	}
	rb, ok := storage.DecimalFromAny(b)
	if !ok {
		return nil, nil, false
	}
	return ra, rb, true
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ra, rb, ok := decimalFromEither(a, b); ok {
		return ra.Cmp(rb) == 0
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// columnCollationByName looks up a column's declared collation by name,
// defaulting to byte-exact comparison for columns with no COLLATE clause,
// output columns with no matching schema entry (post-aggregation/alias),
// and a nil schema.
func columnCollationByName(schema *storage.TableSchema, name string) (storage.Collation, string) {
	if schema == nil {
		return storage.CollateBinary, ""
	}
	idx := schema.ColumnIndex(name)
	if idx < 0 {
		return storage.CollateBinary, ""
	}
	return schema.Columns[idx].Collation, schema.Columns[idx].LocaleTag
}

// exprCollation resolves the collation governing a comparison operand: a
// bare column reference carries its declared COLLATE clause, anything else
// (a literal, a parameter, an expression) compares byte-exact.
func exprCollation(e Expr, schema *storage.TableSchema) (storage.Collation, string) {
	ce, ok := e.(*ColumnExpr)
	if !ok {
		return storage.CollateBinary, ""
	}
	return columnCollationByName(schema, ce.Name)
}

// pickCollation resolves the collation for a binary comparison: the left
// operand's COLLATE clause wins if it has one, otherwise the right's —
// matching how `'alice' = name` and `name = 'alice'` should behave
// identically regardless of operand order.
func pickCollation(left, right Expr, schema *storage.TableSchema) (storage.Collation, string) {
	if c, tag := exprCollation(left, schema); c != storage.CollateBinary {
		return c, tag
	}
	return exprCollation(right, schema)
}

// valuesEqualCollated applies collation-aware comparison when both operands
// are strings, falling back to valuesEqual for every other value pair.
func valuesEqualCollated(a, b any, collation storage.Collation, localeTag string) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return storage.CollationEqual(collation, localeTag, as, bs)
		}
	}
	return valuesEqual(a, b)
}

// compareValuesCollated applies collation-aware ordering when both operands
// are strings, falling back to compareValues for every other value pair.
func compareValuesCollated(a, b any, collation storage.Collation, localeTag string) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return storage.CollationCompare(collation, localeTag, as, bs)
		}
	}
	return compareValues(a, b)
}

// compareValues returns -1/0/1 comparing a against b, falling back to string
// comparison when neither operand is numeric.
func compareValues(a, b any) int {
	if ra, rb, ok := decimalFromEither(a, b); ok {
		return ra.Cmp(rb)
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab && bb:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}
