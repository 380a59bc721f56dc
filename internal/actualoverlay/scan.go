package actualoverlay

import (
	"database/sql"

	"github.com/wcms/wcms/internal/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanActual decodes one SELECT_ACTUAL_NODE row (see
// internal/engine/catalog.go) into a model.ActualNode.
func scanActual(row rowScanner) (*model.ActualNode, error) {
	var (
		a          model.ActualNode
		props      []byte
		changelist sql.NullString
		old, new_  sql.NullString
		working    sql.NullString
		propReject sql.NullString
		legacyTC   sql.NullString
		tcOp       sql.NullString
		tcLeftKind sql.NullString
		tcLeftRev  sql.NullInt64
		tcRightKind sql.NullString
		tcRightRev sql.NullInt64
		tcAction   sql.NullString
		tcReason   sql.NullString
		tcKinds    sql.NullString
	)

	err := row.Scan(
		&a.WCID, &a.LocalRelpath, &props, &changelist, &old, &new_, &working, &propReject,
		&legacyTC, &tcOp, &tcLeftKind, &tcLeftRev, &tcRightKind, &tcRightRev,
		&tcAction, &tcReason, &tcKinds,
	)
	if err != nil {
		return nil, err
	}

	decoded, err := model.DecodeProperties(props)
	if err != nil {
		return nil, err
	}
	a.Properties = decoded
	a.Changelist = changelist.String
	a.ConflictOld = old.String
	a.ConflictNew = new_.String
	a.ConflictWorking = working.String
	a.PropReject = propReject.String
	a.LegacyTreeConflictData = legacyTC.String

	if tcOp.Valid {
		a.TreeConflict = &model.TreeConflict{
			Operation: tcOp.String,
			LeftKind:  model.Kind(tcLeftKind.String),
			LeftRev:   tcLeftRev.Int64,
			RightKind: model.Kind(tcRightKind.String),
			RightRev:  tcRightRev.Int64,
			Action:    tcAction.String,
			Reason:    tcReason.String,
			Kinds:     tcKinds.String,
		}
	}

	return &a, nil
}
