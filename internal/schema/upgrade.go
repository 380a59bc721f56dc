package schema

import (
	"context"
	"database/sql"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wcms/wcms/internal/engine"
)

// legacyTreeConflict is the on-disk shape of a pre-typed
// tree_conflict_data blob: a YAML map written by older clients before
// conflict descriptors grew discrete columns.
type legacyTreeConflict struct {
	Operation string `yaml:"operation"`
	LeftKind  string `yaml:"left_kind"`
	LeftRev   int64  `yaml:"left_rev"`
	RightKind string `yaml:"right_kind"`
	RightRev  int64  `yaml:"right_rev"`
	Action    string `yaml:"action"`
	Reason    string `yaml:"reason"`
	Kinds     string `yaml:"kinds"`
}

func stmt(id engine.StmtID) string {
	text, ok := engine.Text(id)
	if !ok {
		panic(fmt.Sprintf("wcms: unregistered statement %s", id))
	}
	return text
}

// MigrateLegacyTreeConflicts rewrites every opaque tree_conflict_data
// blob still present in actual_node into a typed conflict_victim row,
// then nulls the legacy column. Returns the number of rows migrated.
// Safe to re-run: a store with no remaining blobs migrates zero rows.
func MigrateLegacyTreeConflicts(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, stmt(engine.SelectOldTreeConflict))
	if err != nil {
		return 0, fmt.Errorf("wcms: scan legacy tree conflicts: %w", err)
	}

	type victim struct {
		wcID    int64
		relpath string
		tc      legacyTreeConflict
	}
	var victims []victim
	for rows.Next() {
		var v victim
		var blob []byte
		if err := rows.Scan(&v.wcID, &v.relpath, &blob); err != nil {
			rows.Close()
			return 0, fmt.Errorf("wcms: scan legacy tree conflict row: %w", err)
		}
		if err := yaml.Unmarshal(blob, &v.tc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("wcms: parse legacy tree conflict at %s: %w", v.relpath, err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, stmt(engine.InsertNewConflict),
			v.wcID, v.relpath, v.tc.Operation,
			v.tc.LeftKind, v.tc.LeftRev, v.tc.RightKind, v.tc.RightRev,
			v.tc.Action, v.tc.Reason, v.tc.Kinds,
		); err != nil {
			return 0, fmt.Errorf("wcms: insert typed conflict for %s: %w", v.relpath, err)
		}
		if _, err := tx.ExecContext(ctx, stmt(engine.EraseOldConflicts), v.wcID, v.relpath); err != nil {
			return 0, fmt.Errorf("wcms: erase legacy conflict for %s: %w", v.relpath, err)
		}
	}
	return len(victims), nil
}

// PlanPropertyUpgrade lists every actual_node path whose property
// override blob would need re-encoding in a property-format migration.
// The scan is split from the rewrite so a migration can size and batch
// its work before touching any row.
func PlanPropertyUpgrade(ctx context.Context, tx *sql.Tx) (map[int64][]string, error) {
	rows, err := tx.QueryContext(ctx, stmt(engine.PlanPropUpgrade))
	if err != nil {
		return nil, fmt.Errorf("wcms: plan property upgrade: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var wcID int64
		var relpath string
		if err := rows.Scan(&wcID, &relpath); err != nil {
			return nil, fmt.Errorf("wcms: scan property upgrade candidate: %w", err)
		}
		out[wcID] = append(out[wcID], relpath)
	}
	return out, rows.Err()
}
