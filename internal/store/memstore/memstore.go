// Package memstore is an in-memory Store backend. It is the reference
// implementation of the adapter contract and the substrate for tests:
// every mutation is applied under one lock and fanned out to subscribers
// as a fresh full snapshot.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/retroboard/internal/store"
)

type Memstore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	seq  map[string]uint64 // insertion order, stable tiebreak
	next uint64
	subs map[*subscription]struct{}
}

var _ store.Store = (*Memstore)(nil)

func New() *Memstore {
	return &Memstore{
		docs: make(map[string]map[string]any),
		seq:  make(map[string]uint64),
		subs: make(map[*subscription]struct{}),
	}
}

func (m *Memstore) Subscribe(ctx context.Context, path string, orderings []store.Ordering) (store.Subscription, error) {
	sub := &subscription{
		store:     m,
		path:      path,
		coll:      store.IsCollection(path),
		orderings: orderings,
		ch:        make(chan store.Snapshot, 1),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	snap := m.snapshotLocked(sub)
	m.mu.Unlock()

	sub.push(snap)

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return sub, nil
}

func (m *Memstore) Create(ctx context.Context, path string, doc any) (string, error) {
	fields, err := normalizeDoc(doc)
	if err != nil {
		return "", err
	}

	docPath := path
	id := ""
	if store.IsCollection(path) {
		id = uuid.NewString()
		docPath = store.Join(path, id)
	} else {
		segs := store.Split(path)
		id = segs[len(segs)-1]
	}

	m.mu.Lock()
	if _, ok := m.docs[docPath]; !ok {
		m.next++
		m.seq[docPath] = m.next
	}
	m.docs[docPath] = fields
	m.notifyLocked(docPath)
	m.mu.Unlock()
	return id, nil
}

func (m *Memstore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	norm, err := normalizeDoc(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range norm {
		doc[k] = v
	}
	m.notifyLocked(path)
	return nil
}

func (m *Memstore) SetAdd(ctx context.Context, path, field string, value any) error {
	return m.mutateSet(path, field, value, true)
}

func (m *Memstore) SetRemove(ctx context.Context, path, field string, value any) error {
	return m.mutateSet(path, field, value, false)
}

func (m *Memstore) mutateSet(path, field string, value any, add bool) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	norm, err := normalizeValue(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return store.ErrNotFound
	}

	var arr []any
	if cur, ok := doc[field].([]any); ok {
		arr = cur
	}

	idx := -1
	for i, v := range arr {
		if reflect.DeepEqual(v, norm) {
			idx = i
			break
		}
	}

	switch {
	case add && idx < 0:
		doc[field] = append(arr, norm)
	case !add && idx >= 0:
		doc[field] = append(arr[:idx:idx], arr[idx+1:]...)
	default:
		return nil // already in desired state, no notification
	}
	m.notifyLocked(path)
	return nil
}

// notifyLocked pushes fresh snapshots to every subscription covering docPath.
func (m *Memstore) notifyLocked(docPath string) {
	parent := store.Parent(docPath)
	for sub := range m.subs {
		if sub.coll && sub.path == parent || !sub.coll && sub.path == docPath {
			sub.push(m.snapshotLocked(sub))
		}
	}
}

func (m *Memstore) snapshotLocked(sub *subscription) store.Snapshot {
	if !sub.coll {
		fields, ok := m.docs[sub.path]
		if !ok {
			return store.Snapshot{}
		}
		segs := store.Split(sub.path)
		return store.Snapshot{
			Exists: true,
			Doc:    store.Document{ID: segs[len(segs)-1], Data: marshal(fields)},
		}
	}

	type entry struct {
		id     string
		seq    uint64
		fields map[string]any
	}
	var entries []entry
	for path, fields := range m.docs {
		if store.Parent(path) != sub.path {
			continue
		}
		segs := store.Split(path)
		entries = append(entries, entry{id: segs[len(segs)-1], seq: m.seq[path], fields: fields})
	}

	sort.Slice(entries, func(i, j int) bool {
		for _, ord := range sub.orderings {
			c := store.CompareValues(entries[i].fields[ord.Field], entries[j].fields[ord.Field])
			if c == 0 {
				continue
			}
			if ord.Desc {
				return c > 0
			}
			return c < 0
		}
		if len(sub.orderings) == 0 {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].id < entries[j].id
	})

	snap := store.Snapshot{Exists: true, Docs: make([]store.Document, len(entries))}
	for i, e := range entries {
		snap.Docs[i] = store.Document{ID: e.id, Data: marshal(e.fields)}
	}
	return snap
}

func normalizeDoc(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("memstore: document is not an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, nil
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal value: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal value: %w", err)
	}
	return v, nil
}

func marshal(fields map[string]any) []byte {
	raw, _ := json.Marshal(fields)
	return raw
}

type subscription struct {
	store     *Memstore
	path      string
	coll      bool
	orderings []store.Ordering
	ch        chan store.Snapshot
	once      sync.Once
}

func (s *subscription) Snapshots() <-chan store.Snapshot { return s.ch }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		close(s.ch)
	})
}

// push delivers a snapshot, dropping a stale undelivered one if the
// consumer is behind.
func (s *subscription) push(snap store.Snapshot) {
	defer func() {
		// Unsubscribe may close the channel concurrently with a fanout;
		// a dropped send to a cancelled subscription is fine.
		_ = recover()
	}()
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
