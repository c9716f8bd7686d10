package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
)

const (
	watchBufferSize = 64
	healthyWatch    = time.Minute
)

// Adapter is the only mutation gateway to the document store. Writes to the same document are
// serialized, and watches are transparently restarted after transient failures.
type Adapter struct {
	backend Backend
	locks   keyedMutex

	newBackOff func() backoff.BackOff
}

type AdapterOpt func(a *Adapter)

// WithWatchBackOff overrides the backoff used between watch restarts.
func WithWatchBackOff(newBackOff func() backoff.BackOff) AdapterOpt {
	return func(a *Adapter) {
		a.newBackOff = newBackOff
	}
}

func NewAdapter(backend Backend, opts ...AdapterOpt) *Adapter {
	a := &Adapter{
		backend: backend,
		locks:   keyedMutex{locks: make(map[string]chan struct{})},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Get(ctx context.Context, path string, id string) (Record, error) {
	if path == "" || id == "" {
		return Record{}, ErrInvalidKey
	}
	rec, err := a.backend.Get(ctx, path, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, &StoreError{Op: "get", Path: path, ID: id, Err: err}
	}
	return rec, nil
}

// Put overwrites the document with fields. Concurrent puts to the same document are applied one
// at a time so the stored document always equals exactly one caller's fields.
func (a *Adapter) Put(ctx context.Context, path string, id string, fields map[string]any) error {
	if path == "" || id == "" {
		return ErrInvalidKey
	}
	unlock, err := a.locks.lock(ctx, path+"/"+id)
	if err != nil {
		return &StoreError{Op: "put", Path: path, ID: id, Err: err}
	}
	defer unlock()

	if _, err := a.backend.Put(ctx, path, id, CloneFields(fields)); err != nil {
		return &StoreError{Op: "put", Path: path, ID: id, Err: err}
	}
	return nil
}

// Update reads the document, applies fn and writes the result while holding the document lock.
// A missing document is passed to fn as an empty field map.
func (a *Adapter) Update(ctx context.Context, path string, id string, fn func(fields map[string]any) error) error {
	if path == "" || id == "" {
		return ErrInvalidKey
	}
	unlock, err := a.locks.lock(ctx, path+"/"+id)
	if err != nil {
		return &StoreError{Op: "update", Path: path, ID: id, Err: err}
	}
	defer unlock()

	fields := map[string]any{}
	rec, err := a.backend.Get(ctx, path, id)
	switch {
	case err == nil:
		fields = rec.Fields
	case !errors.Is(err, ErrNotFound):
		return &StoreError{Op: "update", Path: path, ID: id, Err: err}
	}
	if err := fn(fields); err != nil {
		return err
	}
	if _, err := a.backend.Put(ctx, path, id, CloneFields(fields)); err != nil {
		return &StoreError{Op: "update", Path: path, ID: id, Err: err}
	}
	return nil
}

// Watch streams changes under path until ctx is done. The returned channel is closed only once
// ctx is done; backend disconnects are retried with backoff and the stream resumes with a fresh
// snapshot of the collection.
func (a *Adapter) Watch(ctx context.Context, path string) <-chan Change {
	out := make(chan Change, watchBufferSize)
	go func() {
		defer close(out)
		b := a.newBackOff()
		for {
			started := time.Now()
			err := a.backend.Watch(ctx, path, func(c Change) {
				select {
				case out <- c:
				case <-ctx.Done():
				}
			})
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > healthyWatch {
				b.Reset()
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				wait = time.Second
			}
			slog.Warn("store: watch interrupted, restarting",
				slog.String("collection.path", path),
				slog.Duration("retry.in", wait),
				tint.Err(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (a *Adapter) Close() error {
	return a.backend.Close()
}

// keyedMutex hands out one context-aware lock per document key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	refs  map[string]int
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.refs == nil {
		k.refs = make(map[string]int)
	}
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.refs[key]++
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
	return func() {
		<-ch
		k.release(key)
	}, nil
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refs[key]--
	if k.refs[key] == 0 {
		delete(k.refs, key)
		delete(k.locks, key)
	}
}
