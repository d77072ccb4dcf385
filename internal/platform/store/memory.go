package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/verifyq/internal/domain"
	"github.com/dontdude/verifyq/internal/fifo"
)

// Memory is a domain.Store kept in process memory. Subscribers receive events
// in write order through an unbounded buffer, so writers never block on slow
// readers.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	subs        map[string]map[*memorySub]struct{}

	clock func() time.Time
	last  int64
}

var _ domain.Store = (*Memory)(nil)

// NewMemory returns an empty store using the wall clock for server timestamps.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an empty store taking server timestamps from clock.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[string]map[*memorySub]struct{}),
		clock:       clock,
	}
}

// now returns a non-decreasing server timestamp. Callers hold m.mu.
func (m *Memory) now() int64 {
	ts := m.clock().UnixMilli()
	if ts < m.last {
		ts = m.last
	}
	m.last = ts
	return ts
}

func (m *Memory) Get(_ context.Context, record string) (map[string]any, error) {
	collection, key, ok := domain.SplitRecord(record)
	if !ok {
		return nil, fmt.Errorf("invalid record path %q", record)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.collections[collection][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, record)
	}
	return deepCopy(doc), nil
}

func (m *Memory) Set(_ context.Context, record string, value any) error {
	collection, key, ok := domain.SplitRecord(record)
	if !ok {
		return fmt.Errorf("invalid record path %q", record)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := normalizeDocument(value, m.now())
	if err != nil {
		return err
	}
	m.write(collection, key, doc)
	return nil
}

func (m *Memory) Update(_ context.Context, updates ...domain.Update) error {
	type target struct{ collection, key string }

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	staged := make(map[target]map[string]any)
	var order []target

	for _, u := range updates {
		collection, key, ok := domain.SplitRecord(u.Record)
		if !ok {
			return fmt.Errorf("invalid record path %q", u.Record)
		}

		t := target{collection, key}
		cur, seen := staged[t]
		if !seen {
			cur = m.collections[collection][key]
			order = append(order, t)
		}

		next, err := applyUpdate(cur, u, now)
		if err != nil {
			return err
		}
		staged[t] = next
	}

	for _, t := range order {
		m.write(t.collection, t.key, staged[t])
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, record string) error {
	return m.Set(ctx, record, nil)
}

func (m *Memory) Push(ctx context.Context, collection string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	key := id.String()
	if err := m.Set(ctx, domain.JoinPath(collection, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Query(_ context.Context, collection string, q domain.Query) ([]domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := q.Apply(m.collections[domain.JoinPath(collection)])
	for i := range snaps {
		snaps[i].Value = deepCopy(snaps[i].Value)
	}
	return snaps, nil
}

func (m *Memory) Watch(ctx context.Context, collection string, q domain.Query) (domain.Subscription, error) {
	collection = domain.JoinPath(collection)
	sub := &memorySub{
		store:      m,
		collection: collection,
		view:       newView(q),
		pending:    fifo.New[domain.Event](0),
		signal:     make(chan struct{}, 1),
		events:     make(chan domain.Event),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[*memorySub]struct{})
	}
	m.subs[collection][sub] = struct{}{}
	for _, ev := range sub.view.initial(m.collections[collection]) {
		ev.Value = deepCopy(ev.Value)
		sub.enqueue(ev)
	}
	m.mu.Unlock()

	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// write stores doc (nil removes) and notifies subscribers. Callers hold m.mu.
func (m *Memory) write(collection, key string, doc map[string]any) {
	docs := m.collections[collection]
	if doc == nil {
		if _, ok := docs[key]; !ok {
			return
		}
		delete(docs, key)
	} else {
		if docs == nil {
			docs = make(map[string]map[string]any)
			m.collections[collection] = docs
		}
		docs[key] = doc
	}

	for sub := range m.subs[collection] {
		var value map[string]any
		if doc != nil {
			value = deepCopy(doc)
		}
		if ev, ok := sub.view.apply(key, value); ok {
			sub.enqueue(ev)
		}
	}
}

type memorySub struct {
	store      *Memory
	collection string
	view       *view

	pending *fifo.FIFO[domain.Event]
	signal  chan struct{}
	events  chan domain.Event

	done chan struct{}
	once sync.Once
}

func (s *memorySub) Events() <-chan domain.Event { return s.events }

func (s *memorySub) Err() error { return nil }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs[s.collection], s)
		s.store.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *memorySub) enqueue(ev domain.Event) {
	s.pending.Push(ev)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump() {
	defer close(s.events)

	for {
		for {
			ev, ok := s.pending.Pop()
			if !ok {
				break
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
