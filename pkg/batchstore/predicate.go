package batchstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// Operator is a comparison allowed in operator filters.
type Operator string

const (
	OpEq   Operator = "="
	OpNe   Operator = "!="
	OpLt   Operator = "<"
	OpLte  Operator = "<="
	OpGt   Operator = ">"
	OpGte  Operator = ">="
	OpLike Operator = "~"
)

// operators is ordered so that two-character tokens are matched first.
var operators = []Operator{OpLte, OpGte, OpNe, "==", OpEq, OpLt, OpGt, OpLike}

// ParamPrefix marks a predicate field as a batch parameter.
const ParamPrefix = "param."

var paramNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type fieldKind int

const (
	kindInt fieldKind = iota
	kindText
	kindState
	kindParam
)

// columnFields is the allow-list of batch columns a filter may reference.
var columnFields = map[string]fieldKind{
	"id":         kindInt,
	"path":       kindText,
	"state":      kindState,
	"job_number": kindText,
	"note":       kindText,
	"created_at": kindText,
	"updated_at": kindText,
}

// ErrInvalidPredicate is returned for filters that fail validation.
var ErrInvalidPredicate = errors.New("invalid filter predicate")

// Predicate is a single validated comparison. Values are always bound as
// query parameters; nothing from an operator string is spliced into SQL.
type Predicate struct {
	Field string
	Op    Operator
	Value string
}

// Filter is a conjunction of predicates.
type Filter []Predicate

// ParsePredicate parses "field<op>value", e.g. "Ti_Te_rel<=0.5" or
// "path~*/scan07/*". Fields that are not batch columns are treated as batch
// parameters.
func ParsePredicate(raw string) (Predicate, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Predicate{}, fmt.Errorf("%w: empty predicate", ErrInvalidPredicate)
	}

	for i := 1; i < len(s); i++ {
		for _, op := range operators {
			if !strings.HasPrefix(s[i:], string(op)) {
				continue
			}
			field := strings.TrimSpace(s[:i])
			value := strings.TrimSpace(s[i+len(op):])
			value = strings.Trim(value, `"'`)
			if op == "==" {
				op = OpEq
			}
			p := Predicate{Field: field, Op: op, Value: value}
			if err := p.Validate(); err != nil {
				return Predicate{}, err
			}
			return p, nil
		}
	}
	return Predicate{}, fmt.Errorf("%w: %q has no operator (use = != < <= > >= ~)", ErrInvalidPredicate, raw)
}

// ParseFilter parses each raw predicate; the result is their conjunction.
func ParseFilter(raw []string) (Filter, error) {
	out := make(Filter, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePredicate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (p Predicate) kind() (fieldKind, string, error) {
	field := strings.TrimSpace(p.Field)
	if k, ok := columnFields[strings.ToLower(field)]; ok {
		return k, strings.ToLower(field), nil
	}
	name := strings.TrimPrefix(field, ParamPrefix)
	if !paramNameRE.MatchString(name) {
		return 0, "", fmt.Errorf("%w: field %q is not a batch column or parameter name", ErrInvalidPredicate, p.Field)
	}
	return kindParam, name, nil
}

// Validate checks the field against the allow-list and the value against the
// field's type.
func (p Predicate) Validate() error {
	kind, _, err := p.kind()
	if err != nil {
		return err
	}

	switch p.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpLike:
	default:
		return fmt.Errorf("%w: unsupported operator %q", ErrInvalidPredicate, p.Op)
	}

	switch kind {
	case kindInt:
		if p.Op == OpLike {
			return fmt.Errorf("%w: ~ is only valid on text fields", ErrInvalidPredicate)
		}
		if _, err := strconv.ParseInt(p.Value, 10, 64); err != nil {
			return fmt.Errorf("%w: %s expects an integer, got %q", ErrInvalidPredicate, p.Field, p.Value)
		}
	case kindParam:
		if p.Op == OpLike {
			return fmt.Errorf("%w: ~ is only valid on text fields", ErrInvalidPredicate)
		}
		if _, err := strconv.ParseFloat(p.Value, 64); err != nil {
			return fmt.Errorf("%w: parameter %s expects a number, got %q", ErrInvalidPredicate, p.Field, p.Value)
		}
	case kindState:
		if p.Op != OpEq && p.Op != OpNe {
			return fmt.Errorf("%w: state only supports = and !=", ErrInvalidPredicate)
		}
		if _, err := ParseState(p.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
		}
	}
	return nil
}

func (p Predicate) String() string {
	return p.Field + string(p.Op) + p.Value
}

func (f Filter) String() string {
	parts := make([]string, 0, len(f))
	for _, p := range f {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " AND ")
}

// expression renders the predicate against the batch table. Parameter
// predicates become an IN sub-select over batch_param.
func (p Predicate) expression() (exp.Expression, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	kind, name, _ := p.kind()

	switch kind {
	case kindInt:
		v, _ := strconv.ParseInt(p.Value, 10, 64)
		return compare(goqu.I("batch."+name), p.Op, v), nil
	case kindState:
		st, _ := ParseState(p.Value)
		return compare(goqu.I("batch.state"), p.Op, string(st)), nil
	case kindText:
		v := p.Value
		if p.Op == OpLike {
			v = globToLike(v)
		}
		return compare(goqu.I("batch."+name), p.Op, v), nil
	default:
		v, _ := strconv.ParseFloat(p.Value, 64)
		sub := dialect.From(paramTable).
			Select(goqu.I("batch_param.batch_id")).
			Where(
				goqu.I("batch_param.name").Eq(name),
				compare(goqu.I("batch_param.value"), p.Op, v),
			)
		return goqu.I("batch.id").In(sub), nil
	}
}

func (f Filter) expressions() ([]exp.Expression, error) {
	out := make([]exp.Expression, 0, len(f))
	for _, p := range f {
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func compare(col exp.IdentifierExpression, op Operator, v interface{}) exp.Expression {
	switch op {
	case OpNe:
		return col.Neq(v)
	case OpLt:
		return col.Lt(v)
	case OpLte:
		return col.Lte(v)
	case OpGt:
		return col.Gt(v)
	case OpGte:
		return col.Gte(v)
	case OpLike:
		return col.Like(v)
	default:
		return col.Eq(v)
	}
}

// globToLike turns a shell-style pattern (*, ?) into a LIKE pattern.
func globToLike(pattern string) string {
	r := strings.NewReplacer("*", "%", "?", "_")
	return r.Replace(pattern)
}
