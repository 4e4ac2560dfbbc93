package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
	"github.com/MarcoPoloResearchLab/couchstage/internal/mango"
	"github.com/MarcoPoloResearchLab/couchstage/internal/query"
)

type findPreviewRequestPayload struct {
	Database   string             `json:"db"`
	Selector   map[string]any     `json:"selector"`
	Fields     []string           `json:"fields"`
	Sort       []sortFieldPayload `json:"sort"`
	Limit      int                `json:"limit"`
	Skip       int                `json:"skip"`
	Directives []directivePayload `json:"directives"`
}

type sortFieldPayload struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

type directivePayload struct {
	Type    string   `json:"type"`
	Value   string   `json:"value"`
	Quorum  int      `json:"quorum"`
	Indexes []string `json:"indexes"`
}

type findPreviewResponsePayload struct {
	Database string            `json:"db"`
	Request  mango.FindRequest `json:"request"`
}

func (h *httpHandler) handleFindPreview(c *gin.Context) {
	var request findPreviewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Database == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "argument": "db"})
		return
	}

	source := query.Documents{
		DB:       request.Database,
		Selector: request.Selector,
		Fields:   request.Fields,
		Limit:    request.Limit,
		Skip:     request.Skip,
	}
	for _, field := range request.Sort {
		source.Sort = append(source.Sort, query.SortField{Field: field.Field, Descending: field.Descending})
	}

	chain, err := query.New[map[string]any](source)
	if err != nil {
		h.respondError(c, "preview_failed", err)
		return
	}
	for _, directive := range request.Directives {
		chain, err = applyDirective(chain, directive)
		if err != nil {
			h.respondError(c, "preview_failed", err)
			return
		}
	}

	translated, err := mango.Translate(chain)
	if err != nil {
		h.respondError(c, "preview_failed", err)
		return
	}
	c.JSON(http.StatusOK, findPreviewResponsePayload{Database: request.Database, Request: translated})
}

// applyDirective maps one wire directive onto its builder.
func applyDirective[T any](chain *query.Query[T], directive directivePayload) (*query.Query[T], error) {
	switch query.DirectiveName(directive.Type) {
	case query.DirectiveBookmark:
		return query.WithBookmark(chain, directive.Value)
	case query.DirectiveReadQuorum:
		return query.WithReadQuorum(chain, directive.Quorum)
	case query.DirectiveSkipIndexUpdate:
		return query.SkipIndexUpdate(chain)
	case query.DirectiveStableReads:
		return query.WithStableReads(chain)
	case query.DirectiveUseIndex:
		return query.UseIndex(chain, directive.Indexes...)
	case query.DirectiveExecutionStats:
		return query.IncludeExecutionStats(chain)
	case query.DirectiveConflicts:
		return query.IncludeConflicts(chain)
	default:
		return nil, docerr.InvalidArgument("directives", fmt.Sprintf("unknown directive %q", directive.Type))
	}
}
