// Package natsstore backs the store contract with a NATS JetStream
// KeyValue bucket. KV watchers provide the push stream; merges and set
// mutations are compare-and-swap loops on the entry revision, so
// concurrent writers retry instead of clobbering each other.
package natsstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/store"
)

const casAttempts = 10

// Config holds connection settings for the NATS backend.
type Config struct {
	URL    string
	Bucket string
}

func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL, Bucket: "retroboard"}
}

type NatsStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

var _ store.Store = (*NatsStore)(nil)

// New connects to NATS and creates or opens the KV bucket.
func New(ctx context.Context, cfg Config) (*NatsStore, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "retroboard shared documents",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open KV bucket %s: %w", cfg.Bucket, err)
	}

	return &NatsStore{nc: nc, kv: kv}, nil
}

// Close releases the NATS connection.
func (n *NatsStore) Close() {
	n.nc.Close()
}

func (n *NatsStore) Subscribe(ctx context.Context, path string, orderings []store.Ordering) (store.Subscription, error) {
	coll := store.IsCollection(path)
	pattern := encodePath(path)
	if coll {
		pattern += ".*"
	}

	watcher, err := n.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	sub := &subscription{
		watcher: watcher,
		ch:      make(chan store.Snapshot, 1),
	}

	go sub.run(coll, orderings)
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

func (n *NatsStore) Create(ctx context.Context, path string, doc any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
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

	if _, err := n.kv.Put(ctx, encodePath(docPath), raw); err != nil {
		return "", fmt.Errorf("put %s: %w", docPath, err)
	}
	return id, nil
}

func (n *NatsStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	return n.mutate(ctx, path, func(doc map[string]any) error {
		norm, err := normalize(fields)
		if err != nil {
			return err
		}
		for k, v := range norm.(map[string]any) {
			doc[k] = v
		}
		return nil
	})
}

func (n *NatsStore) SetAdd(ctx context.Context, path, field string, value any) error {
	return n.mutate(ctx, path, func(doc map[string]any) error {
		return mutateSet(doc, field, value, true)
	})
}

func (n *NatsStore) SetRemove(ctx context.Context, path, field string, value any) error {
	return n.mutate(ctx, path, func(doc map[string]any) error {
		return mutateSet(doc, field, value, false)
	})
}

// mutate runs a read-modify-write CAS loop against one document.
func (n *NatsStore) mutate(ctx context.Context, path string, apply func(map[string]any) error) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	key := encodePath(path)

	var lastErr error
	for i := 0; i < casAttempts; i++ {
		entry, err := n.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", path, err)
		}

		var doc map[string]any
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if doc == nil {
			doc = make(map[string]any)
		}
		if err := apply(doc); err != nil {
			return err
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}

		if _, err := n.kv.Update(ctx, key, raw, entry.Revision()); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("update %s: CAS retries exhausted: %w", path, lastErr)
}

func mutateSet(doc map[string]any, field string, value any, add bool) error {
	norm, err := normalize(value)
	if err != nil {
		return err
	}

	var arr []any
	if cur, ok := doc[field].([]any); ok {
		arr = cur
	}
	idx := -1
	for i, v := range arr {
		if equalJSON(v, norm) {
			idx = i
			break
		}
	}
	switch {
	case add && idx < 0:
		doc[field] = append(arr, norm)
	case !add && idx >= 0:
		doc[field] = append(arr[:idx:idx], arr[idx+1:]...)
	}
	return nil
}

func equalJSON(a, b any) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// encodePath maps a slash path onto a dot-separated KV key, escaping any
// byte NATS subjects disallow as "=XX" hex.
func encodePath(path string) string {
	segs := store.Split(path)
	enc := make([]string, len(segs))
	for i, seg := range segs {
		enc[i] = encodeSegment(seg)
	}
	return strings.Join(enc, ".")
}

func encodeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func decodeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		if seg[i] == '=' && i+2 < len(seg) {
			if raw, err := hex.DecodeString(seg[i+1 : i+3]); err == nil {
				b.WriteByte(raw[0])
				i += 2
				continue
			}
		}
		b.WriteByte(seg[i])
	}
	return b.String()
}

type subscription struct {
	watcher jetstream.KeyWatcher
	ch      chan store.Snapshot
	once    sync.Once
}

func (s *subscription) Snapshots() <-chan store.Snapshot { return s.ch }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.watcher.Stop()
	})
}

// run folds watch updates into full snapshots. The watcher replays
// current values first and marks the end of the replay with a nil entry;
// the first snapshot is emitted at that point so subscribers always start
// from complete state.
func (s *subscription) run(coll bool, orderings []store.Ordering) {
	defer close(s.ch)

	docs := make(map[string][]byte)
	ready := false

	for entry := range s.watcher.Updates() {
		if entry == nil {
			ready = true
			s.push(snapshot(docs, coll, orderings))
			continue
		}

		keySegs := strings.Split(entry.Key(), ".")
		id := decodeSegment(keySegs[len(keySegs)-1])

		switch entry.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			delete(docs, id)
		default:
			docs[id] = entry.Value()
		}

		if ready {
			s.push(snapshot(docs, coll, orderings))
		}
	}
}

func snapshot(docs map[string][]byte, coll bool, orderings []store.Ordering) store.Snapshot {
	if !coll {
		for id, data := range docs {
			return store.Snapshot{Exists: true, Doc: store.Document{ID: id, Data: data}}
		}
		return store.Snapshot{}
	}

	snap := store.Snapshot{Exists: true, Docs: make([]store.Document, 0, len(docs))}
	for id, data := range docs {
		snap.Docs = append(snap.Docs, store.Document{ID: id, Data: data})
	}
	store.SortDocuments(snap.Docs, orderings)
	return snap
}

func (s *subscription) push(snap store.Snapshot) {
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
