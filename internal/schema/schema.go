// Package schema owns wc.db's table DDL and the migration ledger. It
// never issues application reads or writes itself — internal/nodes,
// internal/actualoverlay, internal/pristine, internal/locks and
// internal/workqueue do that through internal/engine's statement
// catalog, which assumes the tables this package creates.
package schema

import (
	"database/sql"
	"fmt"

	"github.com/wcms/wcms/internal/model"
)

var errSchemaTooNew = model.ErrSchemaTooNew

// CurrentVersion is the schema version this build expects. A wc.db with
// a higher version than this refuses to open (model.ErrSchemaTooNew);
// a lower version is migrated up to it on open.
const CurrentVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS wcms_schema (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wcroot (
	id            INTEGER PRIMARY KEY,
	local_abspath TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS repository (
	id   INTEGER PRIMARY KEY,
	root TEXT UNIQUE NOT NULL,
	uuid TEXT NOT NULL
);

-- The layered-node relation: (wc_id, local_relpath, op_depth) is the
-- primary key. op_depth = 0 is BASE; op_depth > 0 are working layers.
CREATE TABLE IF NOT EXISTS nodes (
	wc_id             INTEGER NOT NULL,
	local_relpath     TEXT NOT NULL,
	op_depth          INTEGER NOT NULL,
	parent_relpath    TEXT,
	repo_id           INTEGER,
	repos_path        TEXT,
	revision          INTEGER,
	presence          TEXT NOT NULL,
	kind              TEXT NOT NULL,
	checksum          TEXT,
	properties        BLOB,
	depth             TEXT,
	changed_revision  INTEGER,
	changed_date      INTEGER,
	changed_author    TEXT,
	translated_size   INTEGER,
	last_mod_time     INTEGER,
	symlink_target    TEXT,
	dav_cache         BLOB,
	moved_here        INTEGER,
	moved_to          TEXT,
	file_external     TEXT,
	PRIMARY KEY (wc_id, local_relpath, op_depth)
);

CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(wc_id, parent_relpath, op_depth);
CREATE INDEX IF NOT EXISTS idx_nodes_checksum ON nodes(checksum) WHERE checksum IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_nodes_moved_to ON nodes(wc_id, moved_to) WHERE moved_to IS NOT NULL;

-- The actual-node overlay: every row must carry at least one non-null
-- override field; empty overlays are deleted, never stored.
CREATE TABLE IF NOT EXISTS actual_node (
	wc_id              INTEGER NOT NULL,
	local_relpath      TEXT NOT NULL,
	properties         BLOB,
	changelist         TEXT,
	conflict_old       TEXT,
	conflict_new       TEXT,
	conflict_working   TEXT,
	prop_reject        TEXT,
	tree_conflict_data TEXT,
	tc_operation       TEXT,
	tc_left_kind       TEXT,
	tc_left_rev        INTEGER,
	tc_right_kind      TEXT,
	tc_right_rev       INTEGER,
	tc_action          TEXT,
	tc_reason          TEXT,
	tc_kinds           TEXT,
	PRIMARY KEY (wc_id, local_relpath)
);

CREATE INDEX IF NOT EXISTS idx_actual_changelist ON actual_node(wc_id, changelist) WHERE changelist IS NOT NULL;

-- The conflict_victim table replaces the legacy serialized
-- tree_conflict_data blob with typed columns. actual_node's own tc_*
-- columns carry the live replacement; MigrateLegacyTreeConflicts is the
-- one-time rewrite for stores that still carry the blob.
CREATE TABLE IF NOT EXISTS conflict_victim (
	wc_id         INTEGER NOT NULL,
	local_relpath TEXT NOT NULL,
	operation     TEXT,
	left_kind     TEXT,
	left_rev      INTEGER,
	right_kind    TEXT,
	right_rev     INTEGER,
	action        TEXT,
	reason        TEXT,
	kinds         TEXT,
	PRIMARY KEY (wc_id, local_relpath)
);

-- Content-addressed pristine blob registry; refcounted, GC'd by an
-- explicit pass, never implicitly on a refcount reaching zero.
CREATE TABLE IF NOT EXISTS pristine (
	checksum     TEXT PRIMARY KEY,
	md5_checksum TEXT,
	size         INTEGER NOT NULL,
	refcount     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pristine_md5 ON pristine(md5_checksum);

CREATE TABLE IF NOT EXISTS lock (
	repo_id        INTEGER NOT NULL,
	repos_relpath  TEXT NOT NULL,
	lock_token     TEXT NOT NULL,
	lock_owner     TEXT,
	lock_comment   TEXT,
	lock_date      INTEGER,
	PRIMARY KEY (repo_id, repos_relpath)
);

-- One row per held subtree lock; locked_levels records how deep under
-- local_dir_relpath the lock reaches (-1 = the whole subtree).
CREATE TABLE IF NOT EXISTS wc_lock (
	wc_id             INTEGER NOT NULL,
	local_dir_relpath TEXT NOT NULL,
	locked_levels     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (wc_id, local_dir_relpath)
);

CREATE TABLE IF NOT EXISTS work_queue (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	work BLOB NOT NULL
);
`

// Migration is one forward-only, idempotent schema step, run inside its
// own transaction, which Ensure commits together with that step's
// version bump.
type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

// migrationsList is the ordered migration ledger. CurrentVersion must
// equal len(migrationsList) whenever a migration is added.
var migrationsList = []Migration{
	{"001_base_schema", migrateBaseSchema},
}

func migrateBaseSchema(tx *sql.Tx) error {
	_, err := tx.Exec(ddl)
	if err != nil {
		return fmt.Errorf("wcms: apply base schema: %w", err)
	}
	return nil
}

// Ensure opens (or creates) the schema on db: it creates wcms_schema if
// absent, runs any migrations beyond the stored version (each in its
// own transaction that also records the new version, so a crash between
// steps leaves a coherent version to resume from), and refuses to
// proceed if the stored version is newer than CurrentVersion (a newer
// client wrote this file — model.ErrSchemaTooNew).
//
// Foreign keys are disabled for the duration of the migration
// transactions: some migrations restructure tables in ways that would
// trip cascades meant for steady-state operation, not schema evolution.
func Ensure(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("wcms: disable foreign keys for migration: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("wcms: begin migration transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec("CREATE TABLE IF NOT EXISTS wcms_schema (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("wcms: create version ledger: %w", err)
	}

	version, err := readVersion(tx)
	if err != nil {
		return err
	}

	if version > CurrentVersion {
		return fmt.Errorf("wcms: wc.db schema version %d is newer than this build supports (%d): %w",
			version, CurrentVersion, errSchemaTooNew)
	}

	for i := version; i < len(migrationsList); i++ {
		m := migrationsList[i]
		if err := m.Func(tx); err != nil {
			return fmt.Errorf("wcms: migration %s: %w", m.Name, err)
		}
		if err := writeVersion(tx, i+1); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("wcms: commit migration %s: %w", m.Name, err)
		}
		if tx, err = db.Begin(); err != nil {
			committed = true // no transaction left open to roll back
			return fmt.Errorf("wcms: begin migration transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wcms: commit migration: %w", err)
	}
	committed = true
	return nil
}

func readVersion(tx *sql.Tx) (int, error) {
	row := tx.QueryRow("SELECT version FROM wcms_schema LIMIT 1")
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return v, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, fmt.Errorf("wcms: read schema version: %w", err)
	}
}

func writeVersion(tx *sql.Tx, v int) error {
	if _, err := tx.Exec("DELETE FROM wcms_schema"); err != nil {
		return fmt.Errorf("wcms: clear schema version: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO wcms_schema (version) VALUES (?)", v); err != nil {
		return fmt.Errorf("wcms: write schema version: %w", err)
	}
	return nil
}
