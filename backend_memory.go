package celerity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend keeps everything in process. Values go through the result
// serializer so callers see the same types as with a remote backend.
type memoryBackend struct {
	codec   metaCodec
	expires time.Duration

	mu      sync.Mutex
	metas   map[string]memEntry
	groups  map[string]memEntry
	chords  map[string]int64
	workers map[string]memEntry
}

type memEntry struct {
	data     []byte
	expireAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemoryBackend returns an in-process Backend.
func NewMemoryBackend(ser Serializer, expires time.Duration) Backend {
	return newMemoryBackend(ser, expires)
}

func newMemoryBackend(ser Serializer, expires time.Duration) *memoryBackend {
	if ser == nil {
		ser = jsonSerializer{}
	}
	return &memoryBackend{
		codec:   metaCodec{ser: ser},
		expires: expires,
		metas:   map[string]memEntry{},
		groups:  map[string]memEntry{},
		chords:  map[string]int64{},
		workers: map[string]memEntry{},
	}
}

func (b *memoryBackend) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (b *memoryBackend) StoreResult(_ context.Context, m *TaskMeta) error {
	stampDone(m)
	data, err := b.codec.encode(m)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.metas[m.ID] = memEntry{data: data, expireAt: b.expireAt(b.expires)}
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) GetTaskMeta(_ context.Context, id string) (*TaskMeta, error) {
	b.mu.Lock()
	e, ok := b.metas[id]
	b.mu.Unlock()
	if !ok || e.expired(time.Now()) {
		return pendingMeta(id), nil
	}
	return b.codec.decodeMeta(e.data)
}

func (b *memoryBackend) Forget(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.metas, id)
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) SaveGroup(_ context.Context, id string, ids []string) error {
	data, err := b.codec.encode(ids)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.groups[id] = memEntry{data: data, expireAt: b.expireAt(b.expires)}
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) RestoreGroup(_ context.Context, id string) ([]string, error) {
	b.mu.Lock()
	e, ok := b.groups[id]
	b.mu.Unlock()
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	return b.codec.decodeIDs(e.data)
}

func (b *memoryBackend) ForgetGroup(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.groups, id)
	delete(b.chords, id)
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) IncrChord(_ context.Context, id string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chords[id]++
	return b.chords[id], nil
}

func (b *memoryBackend) PutWorker(_ context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := b.codec.encode(info)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.workers[info.Hostname] = memEntry{data: data, expireAt: b.expireAt(ttl)}
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) Workers(_ context.Context) ([]WorkerInfo, error) {
	now := time.Now()
	b.mu.Lock()
	entries := make([]memEntry, 0, len(b.workers))
	for _, e := range b.workers {
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	b.mu.Unlock()
	out := make([]WorkerInfo, 0, len(entries))
	for _, e := range entries {
		w, err := b.codec.decodeWorker(e.data)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (b *memoryBackend) Cleanup(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range []map[string]memEntry{b.metas, b.groups, b.workers} {
		for k, e := range m {
			if e.expired(now) {
				delete(m, k)
				n++
			}
		}
	}
	return n, nil
}

func (b *memoryBackend) Close() error { return nil }
