package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNotLoggedIn        = errors.New("no user logged in")
	ErrNotWorker          = errors.New("the user is not logged in as a worker for this queue")
)

// ServerTimestamp is a placeholder value replaced by the store with its own
// clock, in milliseconds, when the write is applied.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// ServerValueKey is the document key marking a server value placeholder once
// serialized.
const ServerValueKey = ".sv"

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{ServerValueKey: "timestamp"})
}

// Update is a set of field writes applied to one record.
type Update struct {
	// Record is the slash separated path of the record: "<collection>/<key>".
	Record string
	// Fields maps slash separated field paths to their new value. A nil value
	// deletes the field.
	Fields map[string]any
	// Expect holds preconditions checked atomically with the write.
	Expect map[string]any
}

// Snapshot is a record as read from the store.
type Snapshot struct {
	Key   string
	Value map[string]any
}

// EventType is the kind of change reported by a subscription.
type EventType int

const (
	EventAdded EventType = iota + 1
	EventChanged
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a change of one record of a watched query.
type Event struct {
	Type  EventType
	Key   string
	Value map[string]any
}

// Subscription streams the events of a watched query.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	// Err reports why the subscription ended; nil after Close.
	Err() error
	Close() error
}

// Store is the shared watchable tree store every worker coordinates through.
type Store interface {
	// Get returns the record document or ErrNotFound.
	Get(ctx context.Context, record string) (map[string]any, error)

	// Set replaces the record. A nil value removes it.
	Set(ctx context.Context, record string, value any) error

	// Update applies all updates atomically. It returns ErrPreconditionFailed
	// if any Expect does not hold, and then nothing is written.
	Update(ctx context.Context, updates ...Update) error

	// Remove deletes the record.
	Remove(ctx context.Context, record string) error

	// Push creates a record with a new time ordered key under collection.
	Push(ctx context.Context, collection string, value any) (string, error)

	// Query returns the records of collection matching q, in query order.
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)

	// Watch subscribes to the records of collection matching q. Current
	// matches are delivered first as EventAdded.
	Watch(ctx context.Context, collection string, q Query) (Subscription, error)
}

// JoinPath joins path segments with slashes, ignoring empty segments.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// SplitRecord splits a record path into its collection and key.
func SplitRecord(record string) (collection, key string, ok bool) {
	record = strings.Trim(record, "/")
	i := strings.LastIndex(record, "/")
	if i <= 0 || i == len(record)-1 {
		return "", "", false
	}
	return record[:i], record[i+1:], true
}

// Lookup returns the value at a slash separated path of doc.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Assign sets the value at a slash separated path of doc, creating
// intermediate documents. A nil value deletes the path and prunes documents
// left empty.
func Assign(doc map[string]any, path string, value any) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	assign(doc, segs, value)
}

func assign(doc map[string]any, segs []string, value any) {
	head := segs[0]
	if len(segs) == 1 {
		if value == nil {
			delete(doc, head)
		} else {
			doc[head] = value
		}
		return
	}

	child, ok := doc[head].(map[string]any)
	if !ok {
		if value == nil {
			return
		}
		child = make(map[string]any)
		doc[head] = child
	}
	assign(child, segs[1:], value)
	if len(child) == 0 {
		delete(doc, head)
	}
}
