package nodes

import (
	"database/sql"
	"time"

	"github.com/wcms/wcms/internal/model"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so
// scanNode works against either a single-row lookup or an iteration.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNode decodes one row of the SELECT_NODE_INFO / SELECT_BASE_NODE /
// SELECT_WORKING_NODE column layout (see internal/engine/catalog.go)
// into a model.Node, translating SQL NULLs to the zero-value
// conventions entities.go documents (-1 for unset revision, "" for
// unset strings, zero time.Time for unset timestamps).
func scanNode(row rowScanner) (*model.Node, error) {
	var (
		n               model.Node
		parentRelpath   sql.NullString
		repoID          sql.NullInt64
		reposPath       sql.NullString
		revision        sql.NullInt64
		checksum        sql.NullString
		props           []byte
		depth           sql.NullString
		changedRevision sql.NullInt64
		changedDate     sql.NullInt64
		changedAuthor   sql.NullString
		translatedSize  sql.NullInt64
		lastModTime     sql.NullInt64
		symlinkTarget   sql.NullString
		davCache        []byte
		movedHere       sql.NullInt64
		movedTo         sql.NullString
		fileExternal    sql.NullString
	)

	err := row.Scan(
		&n.WCID, &n.LocalRelpath, &n.OpDepth, &parentRelpath, &repoID, &reposPath,
		&revision, &n.Presence, &n.Kind, &checksum, &props, &depth,
		&changedRevision, &changedDate, &changedAuthor, &translatedSize,
		&lastModTime, &symlinkTarget, &davCache, &movedHere, &movedTo, &fileExternal,
	)
	if err != nil {
		return nil, err
	}

	n.ParentRelpath = parentRelpath.String
	if repoID.Valid {
		n.RepoID = repoID.Int64
	}
	n.ReposPath = reposPath.String
	n.Revision = -1
	if revision.Valid {
		n.Revision = revision.Int64
	}
	n.Checksum = checksum.String
	n.Depth = depth.String
	n.ChangedRevision = changedRevision.Int64
	if changedDate.Valid {
		n.ChangedDate = time.Unix(changedDate.Int64, 0).UTC()
	}
	n.ChangedAuthor = changedAuthor.String
	n.TranslatedSize = -1
	if translatedSize.Valid {
		n.TranslatedSize = translatedSize.Int64
	}
	if lastModTime.Valid {
		n.LastModTime = time.Unix(lastModTime.Int64, 0).UTC()
	}
	n.SymlinkTarget = symlinkTarget.String
	n.MovedHere = movedHere.Valid && movedHere.Int64 != 0
	n.MovedTo = movedTo.String
	n.FileExternal = fileExternal.String != ""

	decoded, err := model.DecodeProperties(props)
	if err != nil {
		return nil, err
	}
	n.Properties = decoded
	_ = davCache // dav_cache is opaque server-protocol cache data, not yet surfaced

	return &n, nil
}

// scanNodeWithLock decodes one SELECT_NODE_INFO_WITH_LOCK row: the node
// columns followed by the left-joined repository lock columns, which are
// all NULL when no lock covers the node's repository coordinates.
func scanNodeWithLock(row rowScanner) (*model.Node, *model.RepoLock, error) {
	var (
		n               model.Node
		parentRelpath   sql.NullString
		repoID          sql.NullInt64
		reposPath       sql.NullString
		revision        sql.NullInt64
		checksum        sql.NullString
		props           []byte
		depth           sql.NullString
		changedRevision sql.NullInt64
		changedDate     sql.NullInt64
		changedAuthor   sql.NullString
		translatedSize  sql.NullInt64
		lastModTime     sql.NullInt64
		symlinkTarget   sql.NullString
		davCache        []byte
		movedHere       sql.NullInt64
		movedTo         sql.NullString
		fileExternal    sql.NullString

		lockToken   sql.NullString
		lockOwner   sql.NullString
		lockComment sql.NullString
		lockDate    sql.NullInt64
	)

	err := row.Scan(
		&n.WCID, &n.LocalRelpath, &n.OpDepth, &parentRelpath, &repoID, &reposPath,
		&revision, &n.Presence, &n.Kind, &checksum, &props, &depth,
		&changedRevision, &changedDate, &changedAuthor, &translatedSize,
		&lastModTime, &symlinkTarget, &davCache, &movedHere, &movedTo, &fileExternal,
		&lockToken, &lockOwner, &lockComment, &lockDate,
	)
	if err != nil {
		return nil, nil, err
	}

	n.ParentRelpath = parentRelpath.String
	if repoID.Valid {
		n.RepoID = repoID.Int64
	}
	n.ReposPath = reposPath.String
	n.Revision = -1
	if revision.Valid {
		n.Revision = revision.Int64
	}
	n.Checksum = checksum.String
	n.Depth = depth.String
	n.ChangedRevision = changedRevision.Int64
	if changedDate.Valid {
		n.ChangedDate = time.Unix(changedDate.Int64, 0).UTC()
	}
	n.ChangedAuthor = changedAuthor.String
	n.TranslatedSize = -1
	if translatedSize.Valid {
		n.TranslatedSize = translatedSize.Int64
	}
	if lastModTime.Valid {
		n.LastModTime = time.Unix(lastModTime.Int64, 0).UTC()
	}
	n.SymlinkTarget = symlinkTarget.String
	n.MovedHere = movedHere.Valid && movedHere.Int64 != 0
	n.MovedTo = movedTo.String
	n.FileExternal = fileExternal.String != ""

	decoded, err := model.DecodeProperties(props)
	if err != nil {
		return nil, nil, err
	}
	n.Properties = decoded
	_ = davCache

	var l *model.RepoLock
	if lockToken.Valid {
		l = &model.RepoLock{
			RepoID:       n.RepoID,
			ReposRelpath: n.ReposPath,
			Token:        lockToken.String,
			Owner:        lockOwner.String,
			Comment:      lockComment.String,
		}
		if lockDate.Valid {
			l.Date = time.Unix(lockDate.Int64, 0).UTC()
		}
	}
	return &n, l, nil
}
