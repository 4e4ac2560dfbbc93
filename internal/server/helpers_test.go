package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/auth"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
)

const (
	reportPath = "/uploads/report.pdf"
	photoPath  = "/uploads/photo.jpg"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type testEnvironment struct {
	handler      http.Handler
	issuer       *auth.TokenIssuer
	journal      *journal.Service
	fileSystem   attachments.FileSystem
	synchronizer *stubSynchronizer
	events       *StageEventDispatcher
	token        string
}

func newTestEnvironment(testContext *testing.T) *testEnvironment {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(journal.Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	journalService, err := journal.NewService(journal.ServiceConfig{Database: database, IDProvider: journal.NewUUIDProvider()})
	if err != nil {
		testContext.Fatalf("failed to build journal: %v", err)
	}

	memory := afero.NewMemMapFs()
	if err := afero.WriteFile(memory, reportPath, []byte("%PDF-1.7\nreport body"), 0o644); err != nil {
		testContext.Fatalf("failed to write fixture: %v", err)
	}
	if err := afero.WriteFile(memory, photoPath, jpegHeader, 0o644); err != nil {
		testContext.Fatalf("failed to write fixture: %v", err)
	}
	fileSystem := attachments.NewFileSystem(memory)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "couchstage",
		Audience:      "couchstage-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), "operator-1")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	synchronizer := &stubSynchronizer{revision: "3-synced"}
	events := NewStageEventDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       issuer,
		Stages:       journalService,
		Synchronizer: synchronizer,
		FileSystem:   fileSystem,
		Events:       events,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	return &testEnvironment{
		handler:      handler,
		issuer:       issuer,
		journal:      journalService,
		fileSystem:   fileSystem,
		synchronizer: synchronizer,
		events:       events,
		token:        token,
	}
}

func (e *testEnvironment) do(testContext *testing.T, method, path, body string) *httptest.ResponseRecorder {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+e.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e *testEnvironment) track(testContext *testing.T, documentID string) {
	testContext.Helper()
	body := `{"database":"library","revision":"2-abc","_attachments":{"manual.pdf":{"content_type":"application/pdf","length":2048,"digest":"md5-abc","revpos":2,"stub":true}}}`
	recorder := e.do(testContext, http.MethodPut, "/documents/"+documentID, body)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("failed to track document: %d %s", recorder.Code, recorder.Body.String())
	}
}

func decodeBody[T any](testContext *testing.T, recorder *httptest.ResponseRecorder) T {
	testContext.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		testContext.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

type stubSynchronizer struct {
	mu       sync.Mutex
	revision string
	err      error
	targets  []docsync.Target
}

func (s *stubSynchronizer) Sync(_ context.Context, target docsync.Target, stage *attachments.Stage) (docsync.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	if s.err != nil {
		return docsync.Result{Attempts: 1}, s.err
	}
	result := docsync.Result{Revision: s.revision, Attempts: 1}
	for _, record := range stage.PendingDeletions() {
		stage.Remove(record.Name)
		result.Deleted = append(result.Deleted, record.Name)
	}
	for _, record := range stage.PendingAdditions() {
		if err := stage.MarkSynchronized(record.Name); err == nil {
			result.Uploaded = append(result.Uploaded, record.Name)
		}
	}
	return result, nil
}

type stubTokenValidator struct {
	claims auth.Claims
	err    error
}

func (s stubTokenValidator) ValidateRequest(*http.Request) (auth.Claims, error) {
	return s.claims, s.err
}
