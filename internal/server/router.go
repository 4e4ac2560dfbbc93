package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/auth"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
	"github.com/MarcoPoloResearchLab/couchstage/internal/journal"
)

const claimsContextKey = "couchstage_claims"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingStageStore     = errors.New("stage store dependency required")
)

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

type StageStore interface {
	Save(ctx context.Context, ref journal.DocumentRef, stage *attachments.Stage) ([]journal.StageChange, error)
	Load(ctx context.Context, documentID journal.DocumentID, fs attachments.FileSystem) (journal.Document, error)
	History(ctx context.Context, documentID journal.DocumentID) ([]journal.StageChange, error)
}

type DocumentSynchronizer interface {
	Sync(ctx context.Context, target docsync.Target, stage *attachments.Stage) (docsync.Result, error)
}

type Dependencies struct {
	Tokens         TokenValidator
	Stages         StageStore
	Synchronizer   DocumentSynchronizer
	FileSystem     attachments.FileSystem
	Events         *StageEventDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Stages == nil {
		return nil, errMissingStageStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fileSystem := deps.FileSystem
	if fileSystem == nil {
		fileSystem = attachments.OSFileSystem()
	}
	events := deps.Events
	if events == nil {
		events = NewStageEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:       deps.Tokens,
		stages:       deps.Stages,
		synchronizer: deps.Synchronizer,
		fileSystem:   fileSystem,
		events:       events,
		locks:        newDocumentLocks(),
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	staging := router.Group("/documents/:docID")
	staging.Use(handler.authorizeRequest(auth.ScopeStage))
	staging.PUT("", handler.handleTrackDocument)
	staging.GET("/attachments", handler.handleListAttachments)
	staging.POST("/attachments", handler.handleStageAttachment)
	staging.DELETE("/attachments/*name", handler.handleDeleteAttachment)
	staging.POST("/evict/*name", handler.handleEvictAttachment)
	staging.POST("/sync", handler.handleSyncDocument)
	staging.GET("/history", handler.handleHistory)
	staging.GET("/events", handler.handleEvents)

	find := router.Group("/find")
	find.Use(handler.authorizeRequest(auth.ScopeFind))
	find.POST("/preview", handler.handleFindPreview)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens       TokenValidator
	stages       StageStore
	synchronizer DocumentSynchronizer
	fileSystem   attachments.FileSystem
	events       *StageEventDispatcher
	locks        *documentLocks
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := h.tokens.ValidateRequest(c.Request)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}
