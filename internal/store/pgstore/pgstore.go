// Package pgstore backs the store contract with Postgres: documents live
// in one JSONB table, LISTEN/NOTIFY supplies the push stream, and set
// mutations run as single jsonb statements so concurrent voters never
// lose an update.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/store"
)

const notifyChannel = "retro_documents"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path   TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	id     TEXT NOT NULL,
	data   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_parent_idx ON documents (parent);
`

type PgStore struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[*subscription]struct{}

	cancel context.CancelFunc
}

var _ store.Store = (*PgStore)(nil)

// New connects to Postgres, ensures the schema, and starts the
// notification listener.
func New(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &PgStore{
		pool:   pool,
		subs:   make(map[*subscription]struct{}),
		cancel: cancel,
	}
	go p.listen(listenCtx)
	return p, nil
}

// Close stops the listener and releases the pool.
func (p *PgStore) Close() {
	p.cancel()
	p.pool.Close()
}

// listen holds a dedicated connection on LISTEN and refreshes affected
// subscriptions on every notification. The payload is the mutated
// document path.
func (p *PgStore) listen(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			log.Error().Err(err).Msg("pgstore: acquire listen connection")
			return
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			log.Error().Err(err).Msg("pgstore: LISTEN failed")
			return
		}

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				conn.Release()
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("pgstore: notification wait failed, reconnecting")
				break
			}
			p.fanout(ctx, notification.Payload)
		}
	}
}

func (p *PgStore) fanout(ctx context.Context, docPath string) {
	parent := store.Parent(docPath)

	p.mu.Lock()
	var affected []*subscription
	for sub := range p.subs {
		if sub.coll && sub.path == parent || !sub.coll && sub.path == docPath {
			affected = append(affected, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range affected {
		snap, err := p.snapshot(ctx, sub.path, sub.coll, sub.orderings)
		if err != nil {
			log.Error().Err(err).Str("path", sub.path).Msg("pgstore: snapshot refresh failed")
			continue
		}
		sub.push(snap)
	}
}

func (p *PgStore) Subscribe(ctx context.Context, path string, orderings []store.Ordering) (store.Subscription, error) {
	sub := &subscription{
		store:     p,
		path:      path,
		coll:      store.IsCollection(path),
		orderings: orderings,
		ch:        make(chan store.Snapshot, 1),
	}

	snap, err := p.snapshot(ctx, sub.path, sub.coll, orderings)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	sub.push(snap)

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}

func (p *PgStore) snapshot(ctx context.Context, path string, coll bool, orderings []store.Ordering) (store.Snapshot, error) {
	if !coll {
		var id string
		var data []byte
		err := p.pool.QueryRow(ctx, `SELECT id, data FROM documents WHERE path = $1`, path).Scan(&id, &data)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.Snapshot{}, nil
			}
			return store.Snapshot{}, fmt.Errorf("query document %s: %w", path, err)
		}
		return store.Snapshot{Exists: true, Doc: store.Document{ID: id, Data: data}}, nil
	}

	rows, err := p.pool.Query(ctx, `SELECT id, data FROM documents WHERE parent = $1`, path)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("query collection %s: %w", path, err)
	}
	defer rows.Close()

	snap := store.Snapshot{Exists: true}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return store.Snapshot{}, fmt.Errorf("scan document: %w", err)
		}
		snap.Docs = append(snap.Docs, store.Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("iterate collection %s: %w", path, err)
	}
	store.SortDocuments(snap.Docs, orderings)
	return snap, nil
}

func (p *PgStore) Create(ctx context.Context, path string, doc any) (string, error) {
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

	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (path, parent, id, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`,
		docPath, store.Parent(docPath), id, raw)
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", docPath, err)
	}
	return id, p.notify(ctx, docPath)
}

func (p *PgStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `UPDATE documents SET data = data || $2::jsonb WHERE path = $1`, path, raw)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return p.notify(ctx, path)
}

func (p *PgStore) SetAdd(ctx context.Context, path, field string, value any) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	elem, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	// Append only when the element is absent; the containment check and
	// append run in one statement, so concurrent adds stay set-like.
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents
		SET data = jsonb_set(data, ARRAY[$2], COALESCE(data->$2, '[]'::jsonb) || jsonb_build_array($3::jsonb))
		WHERE path = $1
		  AND NOT COALESCE(data->$2, '[]'::jsonb) @> jsonb_build_array($3::jsonb)`,
		path, field, elem)
	if err != nil {
		return fmt.Errorf("set add on %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return p.noopOrNotFound(ctx, path)
	}
	return p.notify(ctx, path)
}

func (p *PgStore) SetRemove(ctx context.Context, path, field string, value any) error {
	if store.IsCollection(path) {
		return store.ErrBadPath
	}
	elem, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE documents
		SET data = jsonb_set(data, ARRAY[$2], COALESCE((
			SELECT jsonb_agg(e) FROM jsonb_array_elements(COALESCE(data->$2, '[]'::jsonb)) e
			WHERE e <> $3::jsonb
		), '[]'::jsonb))
		WHERE path = $1
		  AND COALESCE(data->$2, '[]'::jsonb) @> jsonb_build_array($3::jsonb)`,
		path, field, elem)
	if err != nil {
		return fmt.Errorf("set remove on %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return p.noopOrNotFound(ctx, path)
	}
	return p.notify(ctx, path)
}

// noopOrNotFound distinguishes "element already in desired state" from a
// missing document after a zero-row set mutation.
func (p *PgStore) noopOrNotFound(ctx context.Context, path string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE path = $1)`, path).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", path, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (p *PgStore) notify(ctx context.Context, docPath string) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, docPath); err != nil {
		return fmt.Errorf("notify %s: %w", docPath, err)
	}
	return nil
}

type subscription struct {
	store     *PgStore
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

func (s *subscription) push(snap store.Snapshot) {
	defer func() {
		// A refresh may race Unsubscribe closing the channel; dropping the
		// send to a cancelled subscription is fine.
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
