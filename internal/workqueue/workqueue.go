// Package workqueue is the durable FIFO of opaque work items a session
// enqueues during a transaction and a (possibly later, possibly
// different) process drains — the way a crashed update leaves behind
// queued post-commit cleanup that the next session to open the workcopy
// must finish before doing anything else.
package workqueue

import (
	"context"
	"database/sql"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

// Kind identifies the typed payload carried by a WorkItem.
type Kind string

const (
	KindPostCommitCleanup Kind = "post_commit_cleanup"
	KindPristineGC        Kind = "pristine_gc"
	KindDirectoryBump     Kind = "directory_bump"
	KindRevertSubtree     Kind = "revert_subtree"
)

// PostCommitCleanup finishes bumping a committed subtree's BASE layer
// after a commit's working-queue side effects.
type PostCommitCleanup struct {
	Relpath  string `yaml:"relpath"`
	Revision int64  `yaml:"revision"`
}

// PristineGC asks the next session opener to run a pristine GC pass.
type PristineGC struct{}

// DirectoryBump records that a directory's op_depth needs recomputing
// after a bulk operation that touched its children out of band.
type DirectoryBump struct {
	Relpath string `yaml:"relpath"`
}

// RevertSubtree finishes an interrupted `revert -R`.
type RevertSubtree struct {
	Relpath string `yaml:"relpath"`
}

type envelope struct {
	Kind    Kind   `yaml:"kind"`
	Payload []byte `yaml:"payload"`
}

// Encode serializes a typed payload (one of the structs above) tagged
// with kind, for storage as a WorkItem.Work blob. YAML is used here for
// the same reason internal/model/properties.go gives: one serialization
// dependency for every opaque blob wc.db stores.
func Encode(kind Kind, payload any) ([]byte, error) {
	inner, err := yaml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wcms: encode work item payload: %w", err)
	}
	return yaml.Marshal(envelope{Kind: kind, Payload: inner})
}

// Decode is the inverse of Encode, returning the item's kind and the
// still-encoded inner payload for the caller to unmarshal into the
// concrete type its kind implies.
func Decode(blob []byte) (Kind, []byte, error) {
	var env envelope
	if err := yaml.Unmarshal(blob, &env); err != nil {
		return "", nil, fmt.Errorf("wcms: decode work item: %w", err)
	}
	return env.Kind, env.Payload, nil
}

// DecodeInto decodes blob's payload into dst once the caller has
// already inspected its Kind via Decode.
func DecodeInto(payload []byte, dst any) error {
	if err := yaml.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("wcms: decode work item payload: %w", err)
	}
	return nil
}

// Store manages the work_queue table.
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

// Enqueue appends an already-encoded work item to the queue.
func (s *Store) Enqueue(ctx context.Context, q engine.Querier, work []byte) error {
	_, err := q.ExecContext(ctx, query(engine.InsertWorkItem), work)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: enqueue work item: %w", err))
	}
	return nil
}

// Peek returns the oldest queued item without removing it, or
// model.ErrNotFound if the queue is empty.
func (s *Store) Peek(ctx context.Context, q engine.Querier) (*model.WorkItem, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectWorkItem))
	var item model.WorkItem
	err := row.Scan(&item.ID, &item.Work)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wcms: peek work item: %w", err)
	}
	return &item, nil
}

// Dequeue removes the item with the given id, the caller's
// acknowledgment that it finished processing that item.
func (s *Store) Dequeue(ctx context.Context, q engine.Querier, id int64) error {
	_, err := q.ExecContext(ctx, query(engine.DeleteWorkItem), id)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: dequeue work item %d: %w", id, err))
	}
	return nil
}

// AnyPending reports whether the queue holds at least one item — the
// check a session-open path runs to decide whether it must drain the
// queue before allowing any other operation.
func (s *Store) AnyPending(ctx context.Context, q engine.Querier) (bool, error) {
	row := q.QueryRowContext(ctx, query(engine.LookForWork))
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wcms: check pending work: %w", err)
	}
	return true, nil
}

// Drain pops and applies every queued item in FIFO order via apply,
// stopping (and leaving the remainder queued) on the first error so a
// retry resumes where it left off.
func (s *Store) Drain(ctx context.Context, q engine.Querier, apply func(kind Kind, payload []byte) error) error {
	for {
		item, err := s.Peek(ctx, q)
		if err == model.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		kind, payload, err := Decode(item.Work)
		if err != nil {
			return fmt.Errorf("wcms: decode work item %d: %w", item.ID, err)
		}
		if err := apply(kind, payload); err != nil {
			return fmt.Errorf("wcms: apply work item %d (%s): %w", item.ID, kind, err)
		}
		if err := s.Dequeue(ctx, q, item.ID); err != nil {
			return err
		}
	}
}
