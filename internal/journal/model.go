package journal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("journal: invalid document id")
	// ErrInvalidDatabaseName indicates that a database name is empty or exceeds storage bounds.
	ErrInvalidDatabaseName = errors.New("journal: invalid database name")
)

// DocumentID represents a validated remote document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// DatabaseName represents a validated remote database name.
type DatabaseName string

// NewDatabaseName validates raw input and returns a DatabaseName.
func NewDatabaseName(rawInput string) (DatabaseName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDatabaseName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDatabaseName, maxIdentifierLength)
	}
	return DatabaseName(trimmed), nil
}

// String returns the underlying database name.
func (name DatabaseName) String() string {
	return string(name)
}

// ChangeAction enumerates audited stage transitions.
type ChangeAction string

const (
	// ChangeActionStaged records a name that was not tracked before.
	ChangeActionStaged ChangeAction = "staged"
	// ChangeActionUpdated records new pending content for a tracked name.
	ChangeActionUpdated ChangeAction = "updated"
	// ChangeActionDeleted records a name newly marked for deletion.
	ChangeActionDeleted ChangeAction = "deleted"
	// ChangeActionRestored records a deleted name that was staged again.
	ChangeActionRestored ChangeAction = "restored"
	// ChangeActionSynchronized records pending content confirmed by the server.
	ChangeActionSynchronized ChangeAction = "synchronized"
	// ChangeActionRemoved records a name evicted from the stage.
	ChangeActionRemoved ChangeAction = "removed"
)

// TrackedDocument stores the remote coordinates of a journaled stage.
type TrackedDocument struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Database         string `gorm:"column:database_name;size:190;not null"`
	Revision         string `gorm:"column:revision;size:190"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (TrackedDocument) TableName() string {
	return "tracked_documents"
}

// StagedAttachment stores one stage record.
type StagedAttachment struct {
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	Position    int    `gorm:"column:position;not null"`
	ContentType string `gorm:"column:content_type;size:190"`
	Length      int64  `gorm:"column:length;not null;default:0"`
	Digest      string `gorm:"column:digest;size:190"`
	RevPos      int64  `gorm:"column:revpos;not null;default:0"`
	HasPending  bool   `gorm:"column:has_pending;not null;default:false"`
	PendingPath string `gorm:"column:pending_path;type:text"`
	PendingSize int64  `gorm:"column:pending_size;not null;default:0"`
	Deleted     bool   `gorm:"column:is_deleted;not null;default:false"`
}

func (StagedAttachment) TableName() string {
	return "staged_attachments"
}

// StageChange is an audit row describing one stage transition.
type StageChange struct {
	ChangeID          string       `gorm:"column:change_id;primaryKey;size:64;not null"`
	DocumentID        string       `gorm:"column:document_id;size:190;not null;index:idx_stage_changes_document"`
	Name              string       `gorm:"column:name;size:190;not null"`
	Action            ChangeAction `gorm:"column:action;size:32;not null"`
	ContentType       string       `gorm:"column:content_type;size:190"`
	Length            int64        `gorm:"column:length;not null;default:0"`
	RecordedAtSeconds int64        `gorm:"column:recorded_at_s;not null"`
}

func (StageChange) TableName() string {
	return "stage_changes"
}

// Models lists every table owned by the journal, for migrations.
func Models() []any {
	return []any{&TrackedDocument{}, &StagedAttachment{}, &StageChange{}}
}

func rowFromRecord(documentID string, position int, record attachments.Record) StagedAttachment {
	row := StagedAttachment{
		DocumentID:  documentID,
		Name:        record.Name,
		Position:    position,
		ContentType: record.ContentType,
		Length:      record.Length,
		Digest:      record.Digest,
		RevPos:      record.RevPos,
		Deleted:     record.Deleted,
	}
	if record.Pending != nil {
		row.HasPending = true
		row.PendingPath = record.Pending.Path
		row.PendingSize = record.Pending.Size
	}
	return row
}

func (row StagedAttachment) record() attachments.Record {
	record := attachments.Record{
		Name:        row.Name,
		ContentType: row.ContentType,
		Length:      row.Length,
		Digest:      row.Digest,
		RevPos:      row.RevPos,
		Deleted:     row.Deleted,
	}
	if row.HasPending {
		record.Pending = &attachments.PendingContent{Path: row.PendingPath, Size: row.PendingSize}
	}
	return record
}

// classify derives the audit action between a stored row and its new state.
// The second return is false when nothing observable changed.
func classify(previous *StagedAttachment, next StagedAttachment) (ChangeAction, bool) {
	if previous == nil {
		if next.Deleted {
			return ChangeActionDeleted, true
		}
		return ChangeActionStaged, true
	}
	switch {
	case !previous.Deleted && next.Deleted:
		return ChangeActionDeleted, true
	case previous.Deleted && !next.Deleted:
		return ChangeActionRestored, true
	case next.HasPending && (!previous.HasPending || previous.PendingPath != next.PendingPath ||
		previous.PendingSize != next.PendingSize || previous.ContentType != next.ContentType):
		return ChangeActionUpdated, true
	case previous.HasPending && !next.HasPending:
		return ChangeActionSynchronized, true
	}
	return "", false
}
