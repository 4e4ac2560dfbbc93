package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
)

const heartbeatInterval = 25 * time.Second

type trackRequestPayload struct {
	Database    string                                  `json:"database"`
	Revision    string                                  `json:"revision"`
	Attachments map[string]attachments.ServerAttachment `json:"_attachments"`
}

type stageRequestPayload struct {
	LocalFilePath string `json:"local_file_path"`
	ContentType   string `json:"content_type"`
	Name          string `json:"name"`
}

type syncRequestPayload struct {
	Fields map[string]any `json:"fields"`
}

type attachmentPayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
	Digest      string `json:"digest,omitempty"`
	RevPos      int64  `json:"revpos,omitempty"`
	Pending     bool   `json:"pending"`
	LocalPath   string `json:"local_path,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

type stageResponsePayload struct {
	DocumentID       string              `json:"document_id"`
	Database         string              `json:"database"`
	Revision         string              `json:"revision,omitempty"`
	Attachments      []attachmentPayload `json:"attachments"`
	PendingDeletions []string            `json:"pending_deletions"`
}

type syncResponsePayload struct {
	DocumentID string   `json:"document_id"`
	Revision   string   `json:"revision"`
	Uploaded   []string `json:"uploaded"`
	Deleted    []string `json:"deleted"`
	Attempts   int      `json:"attempts"`
}

type historyEntryPayload struct {
	ChangeID    string `json:"change_id"`
	Name        string `json:"name"`
	Action      string `json:"action"`
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length"`
	RecordedAt  int64  `json:"recorded_at_s"`
}

func (h *httpHandler) handleTrackDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request trackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	database, err := journal.NewDatabaseName(request.Database)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "argument": "database"})
		return
	}

	unlock := h.locks.Lock(documentID.String())
	defer unlock()

	stage, err := attachments.Hydrate(h.fileSystem, request.Attachments)
	if err != nil {
		h.respondError(c, "hydrate_failed", err)
		return
	}
	ref := journal.DocumentRef{Database: database, DocumentID: documentID, Revision: request.Revision}
	if !h.save(c, ref, stage, StageEventChanged) {
		return
	}
	c.JSON(http.StatusOK, newStageResponse(ref, stage))
}

func (h *httpHandler) handleListAttachments(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	document, err := h.stages.Load(c.Request.Context(), documentID, h.fileSystem)
	if err != nil {
		h.respondError(c, "load_failed", err)
		return
	}
	c.JSON(http.StatusOK, newStageResponse(document.Ref, document.Stage))
}

func (h *httpHandler) handleStageAttachment(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request stageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	contentType := strings.TrimSpace(request.ContentType)
	if contentType == "" && strings.TrimSpace(request.LocalFilePath) != "" {
		detected, err := attachments.DetectContentType(h.fileSystem, request.LocalFilePath)
		if err != nil {
			h.respondError(c, "detect_failed", err)
			return
		}
		contentType = detected
	}
	var options []attachments.AddOption
	if request.Name != "" {
		options = append(options, attachments.WithName(request.Name))
	}

	unlock := h.locks.Lock(documentID.String())
	defer unlock()

	document, err := h.stages.Load(c.Request.Context(), documentID, h.fileSystem)
	if err != nil {
		h.respondError(c, "load_failed", err)
		return
	}
	record, err := document.Stage.AddOrUpdate(request.LocalFilePath, contentType, options...)
	if err != nil {
		h.respondError(c, "stage_failed", err)
		return
	}
	if !h.save(c, document.Ref, document.Stage, StageEventChanged) {
		return
	}
	c.JSON(http.StatusCreated, newAttachmentPayload(record))
}

func (h *httpHandler) handleDeleteAttachment(c *gin.Context) {
	h.mutateStage(c, func(stage *attachments.Stage, name string) error {
		return stage.MarkDeleted(name)
	})
}

func (h *httpHandler) handleEvictAttachment(c *gin.Context) {
	h.mutateStage(c, func(stage *attachments.Stage, name string) error {
		stage.Remove(name)
		return nil
	})
}

func (h *httpHandler) mutateStage(c *gin.Context, mutate func(*attachments.Stage, string) error) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	// Catch-all parameter: names may contain slashes.
	name := strings.TrimPrefix(c.Param("name"), "/")

	unlock := h.locks.Lock(documentID.String())
	defer unlock()

	document, err := h.stages.Load(c.Request.Context(), documentID, h.fileSystem)
	if err != nil {
		h.respondError(c, "load_failed", err)
		return
	}
	if err := mutate(document.Stage, name); err != nil {
		h.respondError(c, "stage_failed", err)
		return
	}
	if !h.save(c, document.Ref, document.Stage, StageEventChanged) {
		return
	}
	c.JSON(http.StatusOK, newStageResponse(document.Ref, document.Stage))
}

func (h *httpHandler) handleSyncDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if h.synchronizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_unavailable"})
		return
	}
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	unlock := h.locks.Lock(documentID.String())
	defer unlock()

	document, err := h.stages.Load(c.Request.Context(), documentID, h.fileSystem)
	if err != nil {
		h.respondError(c, "load_failed", err)
		return
	}
	target := docsync.Target{
		Database:   document.Ref.Database.String(),
		DocumentID: documentID.String(),
		Revision:   document.Ref.Revision,
		Fields:     request.Fields,
	}
	result, err := h.synchronizer.Sync(c.Request.Context(), target, document.Stage)
	if err != nil {
		h.respondError(c, "sync_failed", err)
		return
	}

	ref := document.Ref
	ref.Revision = result.Revision
	if !h.save(c, ref, document.Stage, StageEventSynchronized) {
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		DocumentID: documentID.String(),
		Revision:   result.Revision,
		Uploaded:   nonNil(result.Uploaded),
		Deleted:    nonNil(result.Deleted),
		Attempts:   result.Attempts,
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	changes, err := h.stages.History(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "history_failed", err)
		return
	}
	entries := make([]historyEntryPayload, 0, len(changes))
	for _, change := range changes {
		entries = append(entries, historyEntryPayload{
			ChangeID:    change.ChangeID,
			Name:        change.Name,
			Action:      string(change.Action),
			ContentType: change.ContentType,
			Length:      change.Length,
			RecordedAt:  change.RecordedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"document_id": documentID.String(), "changes": entries})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	stream, cleanup := h.events.Subscribe(c.Request.Context(), documentID.String())
	defer cleanup()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(stageEventHeartbeat, gin.H{"document_id": documentID.String(), "source": stageEventSource})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-ticker.C:
			c.SSEvent(stageEventHeartbeat, gin.H{"document_id": documentID.String(), "source": stageEventSource})
			return true
		}
	})
}

func (h *httpHandler) documentID(c *gin.Context) (journal.DocumentID, bool) {
	documentID, err := journal.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "argument": "documentID"})
		return "", false
	}
	return documentID, true
}

// save persists stage and announces the recorded transitions. It writes the
// error response itself and reports whether the caller may continue.
func (h *httpHandler) save(c *gin.Context, ref journal.DocumentRef, stage *attachments.Stage, eventType string) bool {
	changes, err := h.stages.Save(c.Request.Context(), ref, stage)
	if err != nil {
		h.respondError(c, "save_failed", err)
		return false
	}
	if len(changes) == 0 && eventType == StageEventChanged {
		return true
	}
	entries := make([]StageEventEntry, 0, len(changes))
	for _, change := range changes {
		entries = append(entries, StageEventEntry{Name: change.Name, Action: string(change.Action)})
	}
	h.events.Publish(StageEvent{
		DocumentID: ref.DocumentID.String(),
		EventType:  eventType,
		Changes:    entries,
		Revision:   ref.Revision,
		Timestamp:  time.Now().UTC(),
	})
	h.logger.Debug("stage saved",
		zap.String("document_id", ref.DocumentID.String()),
		zap.String("event", eventType),
		zap.Int("changes", len(changes)))
	return true
}

func newStageResponse(ref journal.DocumentRef, stage *attachments.Stage) stageResponsePayload {
	response := stageResponsePayload{
		DocumentID:       ref.DocumentID.String(),
		Database:         ref.Database.String(),
		Revision:         ref.Revision,
		Attachments:      []attachmentPayload{},
		PendingDeletions: []string{},
	}
	for record := range stage.Enumerate() {
		response.Attachments = append(response.Attachments, newAttachmentPayload(record))
	}
	for _, record := range stage.PendingDeletions() {
		response.PendingDeletions = append(response.PendingDeletions, record.Name)
	}
	return response
}

func newAttachmentPayload(record attachments.Record) attachmentPayload {
	payload := attachmentPayload{
		Name:        record.Name,
		ContentType: record.ContentType,
		Length:      record.Length,
		Digest:      record.Digest,
		RevPos:      record.RevPos,
		Pending:     record.HasPendingContent(),
		Deleted:     record.Deleted,
	}
	if record.Pending != nil {
		payload.LocalPath = record.Pending.Path
	}
	return payload
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
