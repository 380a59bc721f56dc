// Package pristine is the content-addressed registry of pristine
// (server-version) blobs that node rows reference by checksum, with
// explicit, caller-driven garbage collection rather than an implicit
// sweep on every refcount decrement.
package pristine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

// Store manages the pristine blob registry.
type Store struct {
	eng *engine.Engine
}

// NewStore binds a Store to eng's statement catalog.
func NewStore(eng *engine.Engine) *Store {
	return &Store{eng: eng}
}

func query(id engine.StmtID) string {
	text, ok := engine.Text(id)
	if !ok {
		panic(fmt.Sprintf("wcms: unregistered statement %s", id))
	}
	return text
}

// AddRef registers checksum if absent, or increments its refcount if
// present — the operation a node insert/update calls whenever it starts
// referencing a pristine blob.
func (s *Store) AddRef(ctx context.Context, q engine.Querier, checksum, md5 string, size int64) error {
	_, err := q.ExecContext(ctx, query(engine.InsertPristine), checksum, md5, size)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: add pristine ref %s: %w", checksum, err))
	}
	return nil
}

// LookupByChecksum returns the registry row for checksum.
func (s *Store) LookupByChecksum(ctx context.Context, q engine.Querier, checksum string) (*model.PristineEntry, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectPristineByChecksum), checksum)
	return scanEntry(row, checksum)
}

// LookupByMD5 returns the registry row matching an MD5 digest, used by
// legacy callers that only have the pre-SHA1-migration digest on hand.
func (s *Store) LookupByMD5(ctx context.Context, q engine.Querier, md5 string) (*model.PristineEntry, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectPristineByMD5), md5)
	return scanEntry(row, md5)
}

func scanEntry(row *sql.Row, key string) (*model.PristineEntry, error) {
	var e model.PristineEntry
	err := row.Scan(&e.Checksum, &e.MD5Checksum, &e.Size, &e.RefCount)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wcms: lookup pristine %s: %w", key, err)
	}
	return &e, nil
}

// Release decrements checksum's refcount by delta without deleting the
// row or touching the blob on disk: GC is a separate, explicit pass,
// never implicit here.
func (s *Store) Release(ctx context.Context, q engine.Querier, checksum string, delta int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE pristine SET refcount = refcount - ?2 WHERE checksum = ?1`, checksum, delta)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: release pristine ref %s: %w", checksum, err))
	}
	return nil
}

// GC deletes every pristine row whose refcount has reached zero and
// that no node or actual_node conflict field still names, returning the
// checksums removed so the caller can unlink their blob files. This is
// the only path that actually removes a pristine row; AddRef/Release
// never do.
func (s *Store) GC(ctx context.Context, q engine.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT checksum FROM pristine WHERE refcount <= 0`)
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: scan gc candidates: %w", err))
	}
	var candidates []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return nil, fmt.Errorf("wcms: scan gc candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var removed []string
	for _, checksum := range candidates {
		var referenced bool
		row := q.QueryRowContext(ctx, query(engine.SelectAnyPristineReference), checksum)
		if err := row.Scan(&referenced); err != nil {
			return removed, fmt.Errorf("wcms: check references for %s: %w", checksum, err)
		}
		if referenced {
			continue
		}
		if _, err := q.ExecContext(ctx, query(engine.DeletePristine), checksum); err != nil {
			return removed, engine.Classify(fmt.Errorf("wcms: delete pristine %s: %w", checksum, err))
		}
		removed = append(removed, checksum)
	}
	return removed, nil
}
