package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
)

func TestTrackDocumentHydratesStage(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	recorder := env.do(testContext, http.MethodGet, "/documents/book-1/attachments", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[stageResponsePayload](testContext, recorder)
	if response.Database != "library" || response.Revision != "2-abc" {
		testContext.Fatalf("unexpected document coordinates %+v", response)
	}
	if len(response.Attachments) != 1 {
		testContext.Fatalf("expected one attachment, got %+v", response.Attachments)
	}
	manual := response.Attachments[0]
	if manual.Name != "manual.pdf" || manual.Pending || manual.Length != 2048 || manual.RevPos != 2 {
		testContext.Fatalf("unexpected hydrated attachment %+v", manual)
	}
}

func TestTrackDocumentRejectsMissingDatabase(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	recorder := env.do(testContext, http.MethodPut, "/documents/book-1", `{"database":" "}`)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Body.String() != `{"argument":"database","error":"invalid_argument"}` {
		testContext.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestStageAttachmentDetectsContentType(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	recorder := env.do(testContext, http.MethodPost, "/documents/book-1/attachments", `{"local_file_path":"`+photoPath+`","name":"cover.jpg"}`)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	record := decodeBody[attachmentPayload](testContext, recorder)
	if record.Name != "cover.jpg" || record.ContentType != "image/jpeg" || !record.Pending || record.LocalPath != photoPath {
		testContext.Fatalf("unexpected staged record %+v", record)
	}

	document, err := env.journal.Load(context.Background(), journal.DocumentID("book-1"), env.fileSystem)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if document.Stage.Len() != 2 {
		testContext.Fatalf("expected staged record to be journaled, got %v", document.Stage.Names())
	}
}

func TestStageAttachmentErrors(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	tests := []struct {
		name     string
		path     string
		body     string
		status   int
		expected string
	}{
		{
			name:     "missing file",
			path:     "/documents/book-1/attachments",
			body:     `{"local_file_path":"/uploads/missing.bin","content_type":"application/octet-stream"}`,
			status:   http.StatusNotFound,
			expected: `{"argument":"localFilePath","error":"not_found"}`,
		},
		{
			name:     "empty path",
			path:     "/documents/book-1/attachments",
			body:     `{"local_file_path":"","content_type":"text/plain"}`,
			status:   http.StatusBadRequest,
			expected: `{"argument":"localFilePath","error":"invalid_argument"}`,
		},
		{
			name:     "directory",
			path:     "/documents/book-1/attachments",
			body:     `{"local_file_path":"/uploads","content_type":"text/plain"}`,
			status:   http.StatusBadRequest,
			expected: `{"argument":"localFilePath","error":"invalid_argument"}`,
		},
		{
			name:     "untracked document",
			path:     "/documents/book-2/attachments",
			body:     `{"local_file_path":"` + reportPath + `","content_type":"application/pdf"}`,
			status:   http.StatusNotFound,
			expected: `{"argument":"documentID","code":"journal.load.not_found","error":"not_found"}`,
		},
		{
			name:     "malformed body",
			path:     "/documents/book-1/attachments",
			body:     `{"local_file_path":`,
			status:   http.StatusBadRequest,
			expected: `{"error":"invalid_request"}`,
		},
	}
	for _, testCase := range tests {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := env.do(t, http.MethodPost, testCase.path, testCase.body)
			if recorder.Code != testCase.status {
				t.Fatalf("expected status %d, got %d: %s", testCase.status, recorder.Code, recorder.Body.String())
			}
			if recorder.Body.String() != testCase.expected {
				t.Fatalf("unexpected body %s", recorder.Body.String())
			}
		})
	}
}

func TestDeleteAndEvictAttachment(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	recorder := env.do(testContext, http.MethodDelete, "/documents/book-1/attachments/manual.pdf", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[stageResponsePayload](testContext, recorder)
	if len(response.Attachments) != 0 || len(response.PendingDeletions) != 1 || response.PendingDeletions[0] != "manual.pdf" {
		testContext.Fatalf("unexpected stage after delete %+v", response)
	}

	missing := env.do(testContext, http.MethodDelete, "/documents/book-1/attachments/unknown.txt", "")
	if missing.Code != http.StatusNotFound {
		testContext.Fatalf("expected not found, got %d", missing.Code)
	}

	for attempt := 0; attempt < 2; attempt++ {
		recorder = env.do(testContext, http.MethodPost, "/documents/book-1/evict/manual.pdf", "")
		if recorder.Code != http.StatusOK {
			testContext.Fatalf("evict attempt %d: unexpected status %d", attempt, recorder.Code)
		}
	}
	response = decodeBody[stageResponsePayload](testContext, recorder)
	if len(response.PendingDeletions) != 0 {
		testContext.Fatalf("expected evicted record to disappear, got %+v", response)
	}

	history := env.do(testContext, http.MethodGet, "/documents/book-1/history", "")
	if history.Code != http.StatusOK {
		testContext.Fatalf("unexpected history status %d", history.Code)
	}
	entries := decodeBody[struct {
		Changes []historyEntryPayload `json:"changes"`
	}](testContext, history)
	actions := make([]string, 0, len(entries.Changes))
	for _, change := range entries.Changes {
		actions = append(actions, change.Action)
	}
	expected := []string{"staged", "deleted", "removed"}
	if len(actions) != len(expected) {
		testContext.Fatalf("unexpected history %v", actions)
	}
	for index := range expected {
		if actions[index] != expected[index] {
			testContext.Fatalf("unexpected history %v", actions)
		}
	}
}

func TestSyncDocumentSettlesStageAndRevision(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")
	if recorder := env.do(testContext, http.MethodPost, "/documents/book-1/attachments", `{"local_file_path":"`+reportPath+`","content_type":"application/pdf"}`); recorder.Code != http.StatusCreated {
		testContext.Fatalf("failed to stage: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := env.do(testContext, http.MethodDelete, "/documents/book-1/attachments/manual.pdf", ""); recorder.Code != http.StatusOK {
		testContext.Fatalf("failed to delete: %d", recorder.Code)
	}

	recorder := env.do(testContext, http.MethodPost, "/documents/book-1/sync", `{"fields":{"title":"Dune"}}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[syncResponsePayload](testContext, recorder)
	if response.Revision != "3-synced" || len(response.Uploaded) != 1 || len(response.Deleted) != 1 {
		testContext.Fatalf("unexpected sync response %+v", response)
	}
	target := env.synchronizer.targets[0]
	if target.Database != "library" || target.Revision != "2-abc" || target.Fields["title"] != "Dune" {
		testContext.Fatalf("unexpected sync target %+v", target)
	}

	document, err := env.journal.Load(context.Background(), journal.DocumentID("book-1"), env.fileSystem)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if document.Ref.Revision != "3-synced" {
		testContext.Fatalf("expected revision to advance, got %q", document.Ref.Revision)
	}
	if len(document.Stage.PendingAdditions()) != 0 || len(document.Stage.PendingDeletions()) != 0 {
		testContext.Fatalf("expected settled stage, got %+v", document.Stage.Snapshot())
	}
}

func TestSyncDocumentWithoutBody(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	recorder := env.do(testContext, http.MethodPost, "/documents/book-1/sync", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSyncDocumentConflictKeepsStage(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")
	if recorder := env.do(testContext, http.MethodPost, "/documents/book-1/attachments", `{"local_file_path":"`+reportPath+`","content_type":"application/pdf"}`); recorder.Code != http.StatusCreated {
		testContext.Fatalf("failed to stage: %d", recorder.Code)
	}
	env.synchronizer.err = &docsync.StatusError{StatusCode: http.StatusConflict, Body: "conflict"}

	recorder := env.do(testContext, http.MethodPost, "/documents/book-1/sync", "")
	if recorder.Code != http.StatusConflict {
		testContext.Fatalf("expected conflict, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !errors.Is(env.synchronizer.err, docsync.ErrConflict) {
		testContext.Fatalf("status error must unwrap to conflict")
	}

	document, err := env.journal.Load(context.Background(), journal.DocumentID("book-1"), env.fileSystem)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if document.Ref.Revision != "2-abc" || len(document.Stage.PendingAdditions()) != 1 {
		testContext.Fatalf("expected stage and revision untouched, got %+v", document)
	}
}

func TestSyncUnavailableWithoutSynchronizer(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	handler, err := NewHTTPHandler(Dependencies{Tokens: env.issuer, Stages: env.journal, FileSystem: env.fileSystem})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	env.handler = handler
	env.track(testContext, "book-1")

	recorder := env.do(testContext, http.MethodPost, "/documents/book-1/sync", "")
	if recorder.Code != http.StatusServiceUnavailable || recorder.Body.String() != `{"error":"sync_unavailable"}` {
		testContext.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestAttachmentRoutesAddressNamesWithSlashes(testContext *testing.T) {
	env := newTestEnvironment(testContext)
	env.track(testContext, "book-1")

	body := `{"local_file_path":"` + reportPath + `","content_type":"application/pdf","name":"scans/2024/report.pdf"}`
	if recorder := env.do(testContext, http.MethodPost, "/documents/book-1/attachments", body); recorder.Code != http.StatusCreated {
		testContext.Fatalf("failed to stage: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder := env.do(testContext, http.MethodDelete, "/documents/book-1/attachments/scans/2024/report.pdf", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected delete status %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[stageResponsePayload](testContext, recorder)
	if len(response.PendingDeletions) != 1 || response.PendingDeletions[0] != "scans/2024/report.pdf" {
		testContext.Fatalf("unexpected pending deletions %+v", response.PendingDeletions)
	}

	recorder = env.do(testContext, http.MethodPost, "/documents/book-1/evict/scans/2024/report.pdf", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected evict status %d: %s", recorder.Code, recorder.Body.String())
	}
	response = decodeBody[stageResponsePayload](testContext, recorder)
	if len(response.PendingDeletions) != 0 || len(response.Attachments) != 1 {
		testContext.Fatalf("expected only the hydrated attachment to remain, got %+v", response)
	}
}
