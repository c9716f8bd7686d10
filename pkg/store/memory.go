package store

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps documents in process. It backs tests and local development.
type MemoryBackend struct {
	mu       sync.RWMutex
	docs     map[string]map[string]Record
	watchers map[string]map[*memoryWatcher]struct{}
	now      func() time.Time
}

type memoryWatcher struct {
	changes chan Change
	done    chan struct{}
	once    sync.Once
}

func (w *memoryWatcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:     make(map[string]map[string]Record),
		watchers: make(map[string]map[*memoryWatcher]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, path string, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.docs[path][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Fields = CloneFields(rec.Fields)
	return rec, nil
}

// Put stores a document and hands the change to every watcher of the collection. Delivery is
// not cut short: a caller's context only bounds the write, and a watcher that stops is skipped.
func (m *MemoryBackend) Put(_ context.Context, path string, id string, fields map[string]any) (time.Time, error) {
	m.mu.Lock()
	collection, ok := m.docs[path]
	if !ok {
		collection = make(map[string]Record)
		m.docs[path] = collection
	}
	kind := ChangeModified
	if _, exists := collection[id]; !exists {
		kind = ChangeAdded
	}
	rec := Record{
		Path:       path,
		ID:         id,
		Fields:     CloneFields(fields),
		UpdateTime: m.now(),
	}
	collection[id] = rec
	watchers := make([]*memoryWatcher, 0, len(m.watchers[path]))
	for w := range m.watchers[path] {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		c := Change{Kind: kind, Record: rec}
		c.Record.Fields = CloneFields(rec.Fields)
		select {
		case w.changes <- c:
		case <-w.done:
		}
	}
	return rec.UpdateTime, nil
}

// Delete removes a document and notifies watchers.
func (m *MemoryBackend) Delete(path string, id string) {
	m.mu.Lock()
	rec, ok := m.docs[path][id]
	if ok {
		delete(m.docs[path], id)
	}
	watchers := make([]*memoryWatcher, 0, len(m.watchers[path]))
	for w := range m.watchers[path] {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range watchers {
		select {
		case w.changes <- Change{Kind: ChangeRemoved, Record: Record{Path: path, ID: id, UpdateTime: rec.UpdateTime}}:
		case <-w.done:
		}
	}
}

func (m *MemoryBackend) Watch(ctx context.Context, path string, fn func(Change)) error {
	w := &memoryWatcher{
		changes: make(chan Change),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*memoryWatcher]struct{})
	}
	m.watchers[path][w] = struct{}{}
	snapshot := make([]Record, 0, len(m.docs[path]))
	for _, rec := range m.docs[path] {
		rec.Fields = CloneFields(rec.Fields)
		snapshot = append(snapshot, rec)
	}
	m.mu.Unlock()

	defer func() {
		w.stop()
		m.mu.Lock()
		delete(m.watchers[path], w)
		m.mu.Unlock()
	}()

	for _, rec := range snapshot {
		fn(Change{Kind: ChangeAdded, Record: rec})
	}
	for {
		select {
		case c := <-w.changes:
			fn(c)
		case <-w.done:
			return ErrDisconnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect ends every active watch with ErrDisconnected, simulating a dropped stream.
func (m *MemoryBackend) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, watchers := range m.watchers {
		for w := range watchers {
			w.stop()
		}
		delete(m.watchers, path)
	}
}

func (m *MemoryBackend) Close() error {
	m.Disconnect()
	return nil
}
