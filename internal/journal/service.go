// Package journal persists attachment stages between runs, together with an
// audit trail of every transition observed when a stage is saved.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingStage      = errors.New("stage is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "journal.service.new"
	opSave       = "journal.save"
	opLoad       = "journal.load"
	opHistory    = "journal.history"
	opDocuments  = "journal.documents"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// DocumentRef locates the remote document a stage belongs to.
type DocumentRef struct {
	Database   DatabaseName
	DocumentID DocumentID
	Revision   string
}

// Document is a loaded stage plus its remote coordinates.
type Document struct {
	Ref   DocumentRef
	Stage *attachments.Stage
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Save replaces the stored stage for ref with stage and appends one audit row
// per observable transition. It returns the audit rows it wrote.
func (s *Service) Save(ctx context.Context, ref DocumentRef, stage *attachments.Stage) ([]StageChange, error) {
	if stage == nil {
		s.logError(opSave, "missing_stage", errMissingStage)
		return nil, newServiceError(opSave, "missing_stage", errMissingStage)
	}
	documentID := ref.DocumentID.String()
	recordedAt := s.clock().UTC().Unix()

	var changes []StageChange
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []StagedAttachment
		if err := tx.Where("document_id = ?", documentID).Order("position ASC").Find(&existing).Error; err != nil {
			s.logError(opSave, "stage_select_failed", err, zap.String("document_id", documentID))
			return newServiceError(opSave, "stage_select_failed", err)
		}
		previous := make(map[string]*StagedAttachment, len(existing))
		for index := range existing {
			previous[existing[index].Name] = &existing[index]
		}

		snapshot := stage.Snapshot()
		rows := make([]StagedAttachment, 0, len(snapshot))
		for position, record := range snapshot {
			row := rowFromRecord(documentID, position, record)
			rows = append(rows, row)
			if action, changed := classify(previous[row.Name], row); changed {
				changes = append(changes, newChange(documentID, row, action, recordedAt))
			}
			delete(previous, row.Name)
		}
		for _, row := range existing {
			if _, evicted := previous[row.Name]; evicted {
				changes = append(changes, newChange(documentID, row, ChangeActionRemoved, recordedAt))
			}
		}

		if err := tx.Where("document_id = ?", documentID).Delete(&StagedAttachment{}).Error; err != nil {
			s.logError(opSave, "stage_clear_failed", err, zap.String("document_id", documentID))
			return newServiceError(opSave, "stage_clear_failed", err)
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				s.logError(opSave, "stage_insert_failed", err, zap.String("document_id", documentID))
				return newServiceError(opSave, "stage_insert_failed", err)
			}
		}

		tracked := TrackedDocument{
			DocumentID:       documentID,
			Database:         ref.Database.String(),
			Revision:         ref.Revision,
			UpdatedAtSeconds: recordedAt,
		}
		if err := tx.Save(&tracked).Error; err != nil {
			s.logError(opSave, "document_save_failed", err, zap.String("document_id", documentID))
			return newServiceError(opSave, "document_save_failed", err)
		}

		for index := range changes {
			changeID, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opSave, "id_generation_failed", err, zap.String("document_id", documentID))
				return newServiceError(opSave, "id_generation_failed", err)
			}
			changes[index].ChangeID = changeID
		}
		if len(changes) > 0 {
			if err := tx.Create(&changes).Error; err != nil {
				s.logError(opSave, "audit_insert_failed", err, zap.String("document_id", documentID))
				return newServiceError(opSave, "audit_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return changes, nil
}

// Load rebuilds the stored stage for documentID over fs.
func (s *Service) Load(ctx context.Context, documentID DocumentID, fs attachments.FileSystem) (Document, error) {
	var tracked TrackedDocument
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID.String()).Take(&tracked).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opLoad, "not_found", docerr.NotFound("documentID", documentID.String()))
	}
	if err != nil {
		s.logError(opLoad, "document_select_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opLoad, "document_select_failed", err)
	}

	var rows []StagedAttachment
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		s.logError(opLoad, "stage_select_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opLoad, "stage_select_failed", err)
	}

	records := make([]attachments.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	stage, err := attachments.Restore(fs, records)
	if err != nil {
		s.logError(opLoad, "stage_restore_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opLoad, "stage_restore_failed", err)
	}

	return Document{
		Ref: DocumentRef{
			Database:   DatabaseName(tracked.Database),
			DocumentID: DocumentID(tracked.DocumentID),
			Revision:   tracked.Revision,
		},
		Stage: stage,
	}, nil
}

// History returns the audit rows for documentID, oldest first.
func (s *Service) History(ctx context.Context, documentID DocumentID) ([]StageChange, error) {
	var changes []StageChange
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("recorded_at_s ASC").
		Order("change_id ASC").
		Find(&changes).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return changes, nil
}

// Documents lists every tracked document, most recently saved first.
func (s *Service) Documents(ctx context.Context) ([]TrackedDocument, error) {
	var documents []TrackedDocument
	if err := s.db.WithContext(ctx).
		Order("updated_at_s DESC").
		Order("document_id ASC").
		Find(&documents).Error; err != nil {
		s.logError(opDocuments, "query_failed", err)
		return nil, newServiceError(opDocuments, "query_failed", err)
	}
	return documents, nil
}

func newChange(documentID string, row StagedAttachment, action ChangeAction, recordedAt int64) StageChange {
	length := row.Length
	if row.HasPending {
		length = row.PendingSize
	}
	return StageChange{
		DocumentID:        documentID,
		Name:              row.Name,
		Action:            action,
		ContentType:       row.ContentType,
		Length:            length,
		RecordedAtSeconds: recordedAt,
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("journal service error", attrs...)
}
