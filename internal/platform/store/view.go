package store

import (
	"reflect"

	"github.com/dontdude/verifyq/internal/domain"
)

// view tracks the records of a collection matching a query and turns raw
// record changes into subscription events.
type view struct {
	query   domain.Query
	members map[string]map[string]any
}

func newView(q domain.Query) *view {
	q.Limit = 0
	return &view{
		query:   q,
		members: make(map[string]map[string]any),
	}
}

// initial returns the current matches of docs as added events.
func (v *view) initial(docs map[string]map[string]any) []domain.Event {
	var events []domain.Event
	for _, snap := range v.query.Apply(docs) {
		if ev, ok := v.apply(snap.Key, snap.Value); ok {
			events = append(events, ev)
		}
	}
	return events
}

// apply records the new value of key; a nil doc means the record was removed.
func (v *view) apply(key string, doc map[string]any) (domain.Event, bool) {
	prev, was := v.members[key]
	match := v.query.Matches(doc)

	switch {
	case match && !was:
		v.members[key] = doc
		return domain.Event{Type: domain.EventAdded, Key: key, Value: doc}, true
	case match && was:
		if reflect.DeepEqual(prev, doc) {
			return domain.Event{}, false
		}
		v.members[key] = doc
		return domain.Event{Type: domain.EventChanged, Key: key, Value: doc}, true
	case was:
		delete(v.members, key)
		return domain.Event{Type: domain.EventRemoved, Key: key, Value: doc}, true
	default:
		return domain.Event{}, false
	}
}
