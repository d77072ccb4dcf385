package domain

import (
	"cmp"
	"slices"
)

// Query selects and orders the children of a collection by one of their
// fields.
type Query struct {
	OrderBy string

	Equal    any
	HasEqual bool

	End    any
	HasEnd bool

	// Limit caps the number of records returned by Store.Query; 0 means no cap.
	// Watches ignore it.
	Limit int
}

// OrderByChild orders records by the value at path.
func OrderByChild(path string) Query {
	return Query{OrderBy: path}
}

// EqualTo keeps records whose ordering value equals v.
func (q Query) EqualTo(v any) Query {
	q.Equal, q.HasEqual = normalizeScalar(v), true
	return q
}

// EndAt keeps records whose ordering value is lower or equal to v.
func (q Query) EndAt(v any) Query {
	q.End, q.HasEnd = normalizeScalar(v), true
	return q
}

// LimitToFirst keeps the first n records.
func (q Query) LimitToFirst(n int) Query {
	q.Limit = n
	return q
}

// Matches reports whether doc belongs to the query result.
func (q Query) Matches(doc map[string]any) bool {
	if doc == nil {
		return false
	}
	if !q.HasEqual && !q.HasEnd {
		return true
	}

	v := q.orderValue(doc)
	if q.HasEqual && CompareValues(v, q.Equal) != 0 {
		return false
	}
	if q.HasEnd && CompareValues(v, q.End) > 0 {
		return false
	}
	return true
}

// Apply filters, sorts and limits docs.
func (q Query) Apply(docs map[string]map[string]any) []Snapshot {
	out := make([]Snapshot, 0, len(docs))
	for key, doc := range docs {
		if q.Matches(doc) {
			out = append(out, Snapshot{Key: key, Value: doc})
		}
	}

	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := CompareValues(q.orderValue(a.Value), q.orderValue(b.Value)); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) orderValue(doc map[string]any) any {
	if q.OrderBy == "" {
		return nil
	}
	v, _ := Lookup(doc, q.OrderBy)
	return v
}

// CompareValues orders document values: null < false < true < numbers <
// strings < objects.
func CompareValues(a, b any) int {
	a, b = normalizeScalar(a), normalizeScalar(b)
	if c := cmp.Compare(rank(a), rank(b)); c != 0 {
		return c
	}

	switch av := a.(type) {
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return cmp.Compare(av, b.(string))
	default:
		return 0
	}
}

func rank(v any) int {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 2
		}
		return 1
	case float64:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
