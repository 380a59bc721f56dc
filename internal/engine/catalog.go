package engine

import (
	"context"
	"database/sql"
	"fmt"
)

// StmtID names one entry of the fixed statement catalog. Callers never
// hand SQL text to the engine; they name a statement here and supply
// positional bindings.
type StmtID string

const (
	// Reads
	SelectNodeInfo            StmtID = "SELECT_NODE_INFO"
	SelectNodeInfoWithLock    StmtID = "SELECT_NODE_INFO_WITH_LOCK"
	SelectBaseNode            StmtID = "SELECT_BASE_NODE"
	SelectWorkingNode         StmtID = "SELECT_WORKING_NODE"
	SelectActualNode          StmtID = "SELECT_ACTUAL_NODE"
	SelectBaseNodeChildren    StmtID = "SELECT_BASE_NODE_CHILDREN"
	SelectWorkingNodeChildren StmtID = "SELECT_WORKING_NODE_CHILDREN"
	SelectNodeProps           StmtID = "SELECT_NODE_PROPS"
	SelectActualProps         StmtID = "SELECT_ACTUAL_PROPS"
	SelectDeletionInfo        StmtID = "SELECT_DELETION_INFO"
	SelectConflictDetails     StmtID = "SELECT_CONFLICT_DETAILS"
	SelectActualConflictVictims StmtID = "SELECT_ACTUAL_CONFLICT_VICTIMS"
	SelectBaseNodeByReposPath StmtID = "SELECT_BASE_NODE_BY_REPOS_PATH"
	FindWCLock                StmtID = "FIND_WC_LOCK"

	// Workcopy / repository identity
	InsertWCRoot     StmtID = "INSERT_WCROOT"
	SelectWCRoot     StmtID = "SELECT_WCROOT"
	InsertRepository StmtID = "INSERT_REPOSITORY"
	SelectRepository StmtID = "SELECT_REPOSITORY"

	// Writes: nodes
	InsertNode                     StmtID = "INSERT_NODE"
	ApplyChangesToBaseNode         StmtID = "APPLY_CHANGES_TO_BASE_NODE"
	UpdateNodeBaseRevision         StmtID = "UPDATE_NODE_BASE_REVISION"
	UpdateNodeBasePresence         StmtID = "UPDATE_NODE_BASE_PRESENCE"
	UpdateNodeWorkingPresence      StmtID = "UPDATE_NODE_WORKING_PRESENCE"
	UpdateNodeWorkingProperties    StmtID = "UPDATE_NODE_WORKING_PROPERTIES"
	InsertWorkingNodeCopyFromBase  StmtID = "INSERT_WORKING_NODE_COPY_FROM_BASE"
	InsertWorkingNodeCopyFromWorking StmtID = "INSERT_WORKING_NODE_COPY_FROM_WORKING"
	InsertWorkingNodeFromBase      StmtID = "INSERT_WORKING_NODE_FROM_BASE"
	DeleteBaseNode                 StmtID = "DELETE_BASE_NODE"
	DeleteWorkingNodes             StmtID = "DELETE_WORKING_NODES"
	DeleteAllNodes                 StmtID = "DELETE_ALL_NODES"
	UpdateCopyfrom                 StmtID = "UPDATE_COPYFROM"
	UpdateOpDepth                  StmtID = "UPDATE_OP_DEPTH"
	SetRepositoryOfSubtree         StmtID = "SET_REPOSITORY_OF_SUBTREE"
	UpdateNodeWorkingExcluded      StmtID = "UPDATE_NODE_WORKING_EXCLUDED"

	// Writes: actual overlay
	InsertActualNode          StmtID = "INSERT_ACTUAL_NODE"
	UpdateActualNode          StmtID = "UPDATE_ACTUAL_NODE"
	DeleteActualNode          StmtID = "DELETE_ACTUAL_NODE"
	DeleteActualNodeRecursive StmtID = "DELETE_ACTUAL_NODE_RECURSIVE"
	ClearTextConflict       StmtID = "CLEAR_TEXT_CONFLICT"
	ClearPropsConflict      StmtID = "CLEAR_PROPS_CONFLICT"

	// Pristine
	InsertPristine            StmtID = "INSERT_PRISTINE"
	SelectPristineByChecksum  StmtID = "SELECT_PRISTINE_BY_CHECKSUM"
	SelectPristineByMD5       StmtID = "SELECT_PRISTINE_BY_MD5"
	SelectAnyPristineReference StmtID = "SELECT_ANY_PRISTINE_REFERENCE"
	DeletePristine            StmtID = "DELETE_PRISTINE"

	// Locks
	InsertLock          StmtID = "INSERT_LOCK"
	DeleteLock          StmtID = "DELETE_LOCK"
	UpdateLockReposID   StmtID = "UPDATE_LOCK_REPOS_ID"
	InsertWCLock        StmtID = "INSERT_WC_LOCK"
	SelectWCLock        StmtID = "SELECT_WC_LOCK"
	DeleteWCLock        StmtID = "DELETE_WC_LOCK"

	// Work queue
	LookForWork     StmtID = "LOOK_FOR_WORK"
	InsertWorkItem  StmtID = "INSERT_WORK_ITEM"
	SelectWorkItem  StmtID = "SELECT_WORK_ITEM"
	DeleteWorkItem  StmtID = "DELETE_WORK_ITEM"

	// Upgrade
	SelectOldTreeConflict StmtID = "SELECT_OLD_TREE_CONFLICT"
	InsertNewConflict     StmtID = "INSERT_NEW_CONFLICT"
	EraseOldConflicts     StmtID = "ERASE_OLD_CONFLICTS"
	PlanPropUpgrade       StmtID = "PLAN_PROP_UPGRADE"
)

// catalog holds the SQL text for every StmtID. Bindings are positional
// (?1, ?2, ...). Text lives in one place so a dialect change only
// touches this file.
var catalog = map[StmtID]string{
	SelectNodeInfo: `
		SELECT wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path,
		       revision, presence, kind, checksum, properties, depth,
		       changed_revision, changed_date, changed_author, translated_size,
		       last_mod_time, symlink_target, dav_cache, moved_here, moved_to, file_external
		FROM nodes
		WHERE wc_id = ?1 AND local_relpath = ?2
		ORDER BY op_depth DESC
		LIMIT 1`,

	SelectNodeInfoWithLock: `
		SELECT n.wc_id, n.local_relpath, n.op_depth, n.parent_relpath, n.repo_id, n.repos_path,
		       n.revision, n.presence, n.kind, n.checksum, n.properties, n.depth,
		       n.changed_revision, n.changed_date, n.changed_author, n.translated_size,
		       n.last_mod_time, n.symlink_target, n.dav_cache, n.moved_here, n.moved_to, n.file_external,
		       l.lock_token, l.lock_owner, l.lock_comment, l.lock_date
		FROM nodes n
		LEFT JOIN lock l ON l.repo_id = n.repo_id AND l.repos_relpath = n.repos_path
		WHERE n.wc_id = ?1 AND n.local_relpath = ?2
		ORDER BY n.op_depth DESC
		LIMIT 1`,

	SelectBaseNode: `
		SELECT wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path,
		       revision, presence, kind, checksum, properties, depth,
		       changed_revision, changed_date, changed_author, translated_size,
		       last_mod_time, symlink_target, dav_cache, moved_here, moved_to, file_external
		FROM nodes
		WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = 0`,

	SelectWorkingNode: `
		SELECT wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path,
		       revision, presence, kind, checksum, properties, depth,
		       changed_revision, changed_date, changed_author, translated_size,
		       last_mod_time, symlink_target, dav_cache, moved_here, moved_to, file_external
		FROM nodes
		WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0
		ORDER BY op_depth DESC
		LIMIT 1`,

	SelectActualNode: `
		SELECT wc_id, local_relpath, properties, changelist, conflict_old, conflict_new,
		       conflict_working, prop_reject, tree_conflict_data,
		       tc_operation, tc_left_kind, tc_left_rev, tc_right_kind, tc_right_rev,
		       tc_action, tc_reason, tc_kinds
		FROM actual_node
		WHERE wc_id = ?1 AND local_relpath = ?2`,

	SelectBaseNodeChildren: `
		SELECT local_relpath FROM nodes
		WHERE wc_id = ?1 AND parent_relpath = ?2 AND op_depth = 0`,

	SelectWorkingNodeChildren: `
		SELECT DISTINCT local_relpath FROM nodes
		WHERE wc_id = ?1 AND parent_relpath = ?2 AND op_depth > 0`,

	SelectNodeProps: `
		SELECT properties FROM nodes
		WHERE wc_id = ?1 AND local_relpath = ?2
		ORDER BY op_depth DESC
		LIMIT 1`,

	SelectActualProps: `
		SELECT properties FROM actual_node WHERE wc_id = ?1 AND local_relpath = ?2`,

	SelectDeletionInfo: `
		SELECT op_depth, presence FROM nodes
		WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0 AND presence = 'base-deleted'
		ORDER BY op_depth DESC
		LIMIT 1`,

	SelectConflictDetails: `
		SELECT conflict_old, conflict_new, conflict_working, prop_reject,
		       tc_operation, tc_left_kind, tc_left_rev, tc_right_kind, tc_right_rev,
		       tc_action, tc_reason, tc_kinds
		FROM actual_node WHERE wc_id = ?1 AND local_relpath = ?2`,

	SelectActualConflictVictims: `
		SELECT local_relpath FROM actual_node
		WHERE wc_id = ?1 AND (local_relpath = ?2 OR local_relpath LIKE ?3 ESCAPE '#')
		  AND (conflict_old IS NOT NULL OR conflict_new IS NOT NULL OR conflict_working IS NOT NULL
		       OR prop_reject IS NOT NULL OR tree_conflict_data IS NOT NULL OR tc_operation IS NOT NULL)`,

	SelectBaseNodeByReposPath: `
		SELECT wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path,
		       revision, presence, kind, checksum, properties, depth,
		       changed_revision, changed_date, changed_author, translated_size,
		       last_mod_time, symlink_target, dav_cache, moved_here, moved_to, file_external
		FROM nodes
		WHERE wc_id = ?1 AND repo_id = ?2 AND repos_path = ?3 AND op_depth = 0`,

	FindWCLock: `
		SELECT wc_id, local_dir_relpath, locked_levels FROM wc_lock
		WHERE wc_id = ?1 AND local_dir_relpath = ?2`,

	InsertWCRoot: `
		INSERT INTO wcroot (local_abspath) VALUES (?1)`,

	SelectWCRoot: `
		SELECT id, local_abspath FROM wcroot WHERE local_abspath = ?1`,

	InsertRepository: `
		INSERT INTO repository (root, uuid) VALUES (?1, ?2)
		ON CONFLICT (root) DO NOTHING`,

	SelectRepository: `
		SELECT id, root, uuid FROM repository WHERE root = ?1`,

	InsertNode: `
		INSERT INTO nodes (
			wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path, revision,
			presence, kind, checksum, properties, depth, changed_revision, changed_date,
			changed_author, translated_size, last_mod_time, symlink_target, dav_cache,
			moved_here, moved_to, file_external
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17, ?18, ?19, ?20, ?21, ?22)
		ON CONFLICT (wc_id, local_relpath, op_depth) DO UPDATE SET
			parent_relpath=excluded.parent_relpath, repo_id=excluded.repo_id,
			repos_path=excluded.repos_path, revision=excluded.revision,
			presence=excluded.presence, kind=excluded.kind, checksum=excluded.checksum,
			properties=excluded.properties, depth=excluded.depth,
			changed_revision=excluded.changed_revision, changed_date=excluded.changed_date,
			changed_author=excluded.changed_author, translated_size=excluded.translated_size,
			last_mod_time=excluded.last_mod_time, symlink_target=excluded.symlink_target,
			dav_cache=excluded.dav_cache, moved_here=excluded.moved_here,
			moved_to=excluded.moved_to, file_external=excluded.file_external`,

	ApplyChangesToBaseNode: `
		INSERT INTO nodes (
			wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path, revision,
			presence, kind, checksum, properties, changed_revision, changed_date, changed_author
		) VALUES (?1, ?2, 0, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13)
		ON CONFLICT (wc_id, local_relpath, op_depth) DO UPDATE SET
			repo_id=excluded.repo_id, repos_path=excluded.repos_path, revision=excluded.revision,
			presence=excluded.presence, kind=excluded.kind, checksum=excluded.checksum,
			properties=excluded.properties, changed_revision=excluded.changed_revision,
			changed_date=excluded.changed_date, changed_author=excluded.changed_author,
			dav_cache=NULL`,

	UpdateNodeBaseRevision: `
		UPDATE nodes SET revision = ?3 WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = 0`,

	UpdateNodeBasePresence: `
		UPDATE nodes SET presence = ?3 WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = 0`,

	UpdateNodeWorkingPresence: `
		UPDATE nodes SET presence = ?4 WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = ?3`,

	UpdateNodeWorkingProperties: `
		UPDATE nodes SET properties = ?4 WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = ?3`,

	InsertWorkingNodeCopyFromBase: `
		INSERT INTO nodes (
			wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path, revision,
			presence, kind, checksum, properties, changed_revision, changed_date, changed_author
		)
		SELECT ?1, ?3, ?4, ?5, repo_id, repos_path, revision, 'normal', kind, checksum,
		       properties, changed_revision, changed_date, changed_author
		FROM nodes WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = 0`,

	InsertWorkingNodeCopyFromWorking: `
		INSERT INTO nodes (
			wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path, revision,
			presence, kind, checksum, properties, changed_revision, changed_date, changed_author
		)
		SELECT ?1, ?3, ?4, ?5, repo_id, repos_path, revision, 'normal', kind, checksum,
		       properties, changed_revision, changed_date, changed_author
		FROM nodes WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0
		ORDER BY op_depth DESC LIMIT 1`,

	InsertWorkingNodeFromBase: `
		INSERT INTO nodes (
			wc_id, local_relpath, op_depth, parent_relpath, repo_id, repos_path, revision,
			presence, kind, checksum, properties, changed_revision, changed_date, changed_author
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14)`,

	DeleteBaseNode: `
		DELETE FROM nodes WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = 0`,

	DeleteWorkingNodes: `
		DELETE FROM nodes
		WHERE wc_id = ?1 AND op_depth > 0
		  AND (local_relpath = ?2 OR local_relpath LIKE ?3 ESCAPE '#')`,

	DeleteAllNodes: `
		DELETE FROM nodes
		WHERE wc_id = ?1 AND (local_relpath = ?2 OR local_relpath LIKE ?3 ESCAPE '#')`,

	// Updates only the top working layer at the given path, never its
	// descendants. Descendant copyfrom coordinates are derived from the
	// layer root on read, so rewriting them here would be redundant.
	UpdateCopyfrom: `
		UPDATE nodes SET repo_id = ?3, repos_path = ?4, revision = ?5
		WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth = (
			SELECT MAX(op_depth) FROM nodes WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0
		)`,

	UpdateOpDepth: `
		UPDATE nodes SET op_depth = ?4
		WHERE wc_id = ?1 AND op_depth = ?2
		  AND (local_relpath = ?3 OR local_relpath LIKE ?5 ESCAPE '#')`,

	SetRepositoryOfSubtree: `
		UPDATE nodes SET repo_id = ?3, dav_cache = NULL
		WHERE wc_id = ?1 AND op_depth = 0
		  AND (local_relpath = ?2 OR local_relpath LIKE ?4 ESCAPE '#')`,

	// The op_depth > 0 filter keeps BASE rows out of reach: op_depth 0
	// carries the server-reported pristine tree and is never
	// user-excludable.
	UpdateNodeWorkingExcluded: `
		UPDATE nodes SET presence = 'excluded', depth = NULL
		WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0
		  AND op_depth = (SELECT MAX(op_depth) FROM nodes WHERE wc_id = ?1 AND local_relpath = ?2 AND op_depth > 0)`,

	InsertActualNode: `
		INSERT INTO actual_node (
			wc_id, local_relpath, properties, changelist, conflict_old, conflict_new,
			conflict_working, prop_reject, tree_conflict_data,
			tc_operation, tc_left_kind, tc_left_rev, tc_right_kind, tc_right_rev,
			tc_action, tc_reason, tc_kinds
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17)
		ON CONFLICT (wc_id, local_relpath) DO UPDATE SET
			properties=excluded.properties, changelist=excluded.changelist,
			conflict_old=excluded.conflict_old, conflict_new=excluded.conflict_new,
			conflict_working=excluded.conflict_working, prop_reject=excluded.prop_reject,
			tree_conflict_data=excluded.tree_conflict_data,
			tc_operation=excluded.tc_operation, tc_left_kind=excluded.tc_left_kind,
			tc_left_rev=excluded.tc_left_rev, tc_right_kind=excluded.tc_right_kind,
			tc_right_rev=excluded.tc_right_rev, tc_action=excluded.tc_action,
			tc_reason=excluded.tc_reason, tc_kinds=excluded.tc_kinds`,

	UpdateActualNode: `
		UPDATE actual_node SET properties = ?3, changelist = ?4, conflict_old = ?5,
			conflict_new = ?6, conflict_working = ?7, prop_reject = ?8,
			tc_operation = ?9, tc_left_kind = ?10, tc_left_rev = ?11, tc_right_kind = ?12,
			tc_right_rev = ?13, tc_action = ?14, tc_reason = ?15, tc_kinds = ?16
		WHERE wc_id = ?1 AND local_relpath = ?2`,

	DeleteActualNode: `
		DELETE FROM actual_node WHERE wc_id = ?1 AND local_relpath = ?2`,

	DeleteActualNodeRecursive: `
		DELETE FROM actual_node
		WHERE wc_id = ?1 AND (local_relpath = ?2 OR local_relpath LIKE ?3 ESCAPE '#')`,

	ClearTextConflict: `
		UPDATE actual_node SET conflict_old = NULL, conflict_new = NULL, conflict_working = NULL
		WHERE wc_id = ?1 AND local_relpath = ?2`,

	ClearPropsConflict: `
		UPDATE actual_node SET prop_reject = NULL WHERE wc_id = ?1 AND local_relpath = ?2`,

	InsertPristine: `
		INSERT INTO pristine (checksum, md5_checksum, size, refcount) VALUES (?1, ?2, ?3, 1)
		ON CONFLICT (checksum) DO UPDATE SET refcount = refcount + 1`,

	SelectPristineByChecksum: `
		SELECT checksum, md5_checksum, size, refcount FROM pristine WHERE checksum = ?1`,

	SelectPristineByMD5: `
		SELECT checksum, md5_checksum, size, refcount FROM pristine WHERE md5_checksum = ?1`,

	SelectAnyPristineReference: `
		SELECT EXISTS(
			SELECT 1 FROM nodes WHERE checksum = ?1
			UNION ALL
			SELECT 1 FROM actual_node WHERE conflict_old = ?1 OR conflict_new = ?1 OR conflict_working = ?1
		)`,

	DeletePristine: `
		DELETE FROM pristine WHERE checksum = ?1 AND refcount <= 0`,

	InsertLock: `
		INSERT INTO lock (repo_id, repos_relpath, lock_token, lock_owner, lock_comment, lock_date)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		ON CONFLICT (repo_id, repos_relpath) DO UPDATE SET
			lock_token=excluded.lock_token, lock_owner=excluded.lock_owner,
			lock_comment=excluded.lock_comment, lock_date=excluded.lock_date`,

	DeleteLock: `
		DELETE FROM lock WHERE repo_id = ?1 AND repos_relpath = ?2`,

	UpdateLockReposID: `
		UPDATE lock SET repo_id = ?2 WHERE repo_id = ?1`,

	InsertWCLock: `
		INSERT INTO wc_lock (wc_id, local_dir_relpath, locked_levels) VALUES (?1, ?2, ?3)`,

	SelectWCLock: `
		SELECT wc_id, local_dir_relpath, locked_levels FROM wc_lock
		WHERE wc_id = ?1 AND local_dir_relpath = ?2`,

	DeleteWCLock: `
		DELETE FROM wc_lock WHERE wc_id = ?1 AND local_dir_relpath = ?2`,

	LookForWork: `
		SELECT id FROM work_queue ORDER BY id LIMIT 1`,

	InsertWorkItem: `
		INSERT INTO work_queue (work) VALUES (?1)`,

	SelectWorkItem: `
		SELECT id, work FROM work_queue ORDER BY id LIMIT 1`,

	DeleteWorkItem: `
		DELETE FROM work_queue WHERE id = ?1`,

	SelectOldTreeConflict: `
		SELECT wc_id, local_relpath, tree_conflict_data FROM actual_node
		WHERE tree_conflict_data IS NOT NULL`,

	InsertNewConflict: `
		INSERT INTO conflict_victim (
			wc_id, local_relpath, operation, left_kind, left_rev, right_kind, right_rev,
			action, reason, kinds
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`,

	EraseOldConflicts: `
		UPDATE actual_node SET tree_conflict_data = NULL WHERE wc_id = ?1 AND local_relpath = ?2`,

	PlanPropUpgrade: `
		SELECT wc_id, local_relpath FROM actual_node WHERE properties IS NOT NULL`,
}

// Prepare returns a cached *sql.Stmt for id against the writer
// connection, preparing it on first use. Cached statements are per
// writer connection, which is stable because the writer handle is
// capped at MaxOpenConns(1).
func (e *Engine) Prepare(ctx context.Context, id StmtID) (*sql.Stmt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stmt, ok := e.stmts[id]; ok {
		return stmt, nil
	}
	text, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("wcms: unknown statement id %q", id)
	}
	stmt, err := e.writer.PrepareContext(ctx, text)
	if err != nil {
		return nil, classify(fmt.Errorf("wcms: prepare %s: %w", id, err))
	}
	e.stmts[id] = stmt
	return stmt, nil
}

// Text returns the catalog SQL for id, for callers that need to run it
// against a *sql.Tx directly (prepared statements don't survive past
// their originating *sql.DB/*sql.Tx in database/sql without rebinding).
func Text(id StmtID) (string, bool) {
	text, ok := catalog[id]
	return text, ok
}
