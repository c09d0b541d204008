package pdc

import (
	"fmt"
	"strings"
)

// CompareOp is the operator of a comparison leaf.
type CompareOp uint8

const (
	LT CompareOp = iota
	LTE
	GT
	GTE
	EQ
)

var compareOpNames = [...]string{LT: "<", LTE: "<=", GT: ">", GTE: ">=", EQ: "=="}

func (op CompareOp) String() string {
	if int(op) < len(compareOpNames) {
		return compareOpNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// ParseCompareOp accepts the symbols printed by String as well as the
// names LT, LTE, GT, GTE and EQ.
func ParseCompareOp(s string) (CompareOp, error) {
	for i, n := range compareOpNames {
		if s == n {
			return CompareOp(i), nil
		}
	}
	switch strings.ToUpper(s) {
	case "LT":
		return LT, nil
	case "LTE":
		return LTE, nil
	case "GT":
		return GT, nil
	case "GTE":
		return GTE, nil
	case "EQ":
		return EQ, nil
	}
	return 0, NewErrInvalidArgument("unknown comparison operator '%s'", s)
}

// Valid reports whether op is a known operator.
func (op CompareOp) Valid() bool { return op <= EQ }

// Match reports whether v op x holds. NaN matches nothing.
func (op CompareOp) Match(v, x float64) bool {
	switch op {
	case LT:
		return v < x
	case LTE:
		return v <= x
	case GT:
		return v > x
	case GTE:
		return v >= x
	case EQ:
		return v == x
	}
	return false
}

// MatchInt64 reports whether v op x holds for signed integers.
func (op CompareOp) MatchInt64(v, x int64) bool {
	switch op {
	case LT:
		return v < x
	case LTE:
		return v <= x
	case GT:
		return v > x
	case GTE:
		return v >= x
	case EQ:
		return v == x
	}
	return false
}

// MatchUint64 reports whether v op x holds for unsigned integers.
func (op CompareOp) MatchUint64(v, x uint64) bool {
	switch op {
	case LT:
		return v < x
	case LTE:
		return v <= x
	case GT:
		return v > x
	case GTE:
		return v >= x
	case EQ:
		return v == x
	}
	return false
}

type queryKind uint8

const (
	queryCompare queryKind = iota
	queryAnd
	queryOr
)

// Query is a node of a predicate tree. Trees are immutable and own their
// children: And and Or take ownership of their arguments, and Free on the
// root releases the whole tree. Use Clone to reuse a subtree.
type Query struct {
	kind queryKind

	object ObjectID
	op     CompareOp
	dtype  DataType
	value  float64
	// exact is set on leaves built by CompareInt64 and CompareUint64;
	// bits then holds the literal's two's complement bits.
	exact bool
	bits  uint64

	left, right *Query
	freed       bool
}

// Compare returns a leaf matching the elements of object whose value
// satisfies op value. dtype must be the object's element type.
func Compare(object ObjectID, op CompareOp, dtype DataType, value float64) *Query {
	return &Query{kind: queryCompare, object: object, op: op, dtype: dtype, value: value}
}

// CompareInt64 is Compare for an Int64 object with an exact literal.
// Values beyond 2^53 compare without rounding through float64.
func CompareInt64(object ObjectID, op CompareOp, value int64) *Query {
	return &Query{kind: queryCompare, object: object, op: op, dtype: Int64, value: float64(value), exact: true, bits: uint64(value)}
}

// CompareUint64 is Compare for a Uint64 object with an exact literal.
func CompareUint64(object ObjectID, op CompareOp, value uint64) *Query {
	return &Query{kind: queryCompare, object: object, op: op, dtype: Uint64, value: float64(value), exact: true, bits: value}
}

// And returns a node matching elements matched by both a and b.
func And(a, b *Query) *Query {
	return &Query{kind: queryAnd, left: a, right: b}
}

// Or returns a node matching elements matched by either a or b.
func Or(a, b *Query) *Query {
	return &Query{kind: queryOr, left: a, right: b}
}

// Clone returns a deep copy of q.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.left, c.right = q.left.Clone(), q.right.Clone()
	return &c
}

// Free releases q and all of its children.
func (q *Query) Free() {
	if q == nil || q.freed {
		return
	}
	q.left.Free()
	q.right.Free()
	q.left, q.right = nil, nil
	q.freed = true
}

// validate checks the tree before evaluation.
func (q *Query) validate() error {
	switch {
	case q == nil:
		return NewErrInvalidArgument("nil query")
	case q.freed:
		return NewErrInvalidArgument("query used after Free")
	}
	switch q.kind {
	case queryCompare:
		if !q.op.Valid() {
			return NewErrInvalidArgument("unknown comparison operator %d", q.op)
		}
		if !q.dtype.Valid() {
			return NewErrInvalidArgument("query on object %d: invalid data type %d", q.object, q.dtype)
		}
		if q.exact && q.dtype != Int64 && q.dtype != Uint64 {
			return NewErrInvalidArgument("exact literal on %s leaf", q.dtype)
		}
		return nil
	case queryAnd, queryOr:
		if err := q.left.validate(); err != nil {
			return err
		}
		return q.right.validate()
	}
	return NewErrInvalidArgument("unknown query node %d", q.kind)
}

// Objects returns the distinct objects referenced by the leaves of q in
// leaf order.
func (q *Query) Objects() []ObjectID {
	seen := make(map[ObjectID]bool)
	var out []ObjectID
	q.walk(func(leaf *Query) {
		if !seen[leaf.object] {
			seen[leaf.object] = true
			out = append(out, leaf.object)
		}
	})
	return out
}

func (q *Query) walk(fn func(leaf *Query)) {
	if q == nil {
		return
	}
	if q.kind == queryCompare {
		fn(q)
		return
	}
	q.left.walk(fn)
	q.right.walk(fn)
}

func (q *Query) String() string {
	if q == nil {
		return "<nil>"
	}
	switch q.kind {
	case queryAnd:
		return fmt.Sprintf("(%s AND %s)", q.left, q.right)
	case queryOr:
		return fmt.Sprintf("(%s OR %s)", q.left, q.right)
	}
	switch {
	case q.exact && q.dtype == Int64:
		return fmt.Sprintf("obj%d %s %d", q.object, q.op, int64(q.bits))
	case q.exact:
		return fmt.Sprintf("obj%d %s %d", q.object, q.op, q.bits)
	}
	return fmt.Sprintf("obj%d %s %v", q.object, q.op, q.value)
}
