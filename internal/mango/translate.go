// Package mango turns a deferred directive chain into a _find request body.
package mango

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
	"github.com/MarcoPoloResearchLab/couchstage/internal/query"
)

// FindRequest is the JSON payload of a POST /{db}/_find call.
type FindRequest struct {
	Selector       map[string]any      `json:"selector"`
	Fields         []string            `json:"fields,omitempty"`
	Sort           []map[string]string `json:"sort,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
	Skip           int                 `json:"skip,omitempty"`
	Bookmark       string              `json:"bookmark,omitempty"`
	ReadQuorum     int                 `json:"r,omitempty"`
	Update         *bool               `json:"update,omitempty"`
	Stable         bool                `json:"stable,omitempty"`
	UseIndex       any                 `json:"use_index,omitempty"`
	ExecutionStats bool                `json:"execution_stats,omitempty"`
	Conflicts      bool                `json:"conflicts,omitempty"`
}

// Translate walks q in application order and builds its find request. When a
// directive appears more than once the last application wins. Translation does
// not touch the chain, so it can be repeated for retries.
func Translate[T any](q *query.Query[T]) (FindRequest, error) {
	if q == nil {
		return FindRequest{}, docerr.InvalidArgument("query", "nil")
	}
	documents, ok := q.Source().(query.Documents)
	if !ok {
		return FindRequest{}, docerr.Unsupported("source", fmt.Sprintf("%T cannot carry find directives", q.Source()))
	}

	request := FindRequest{
		Selector: documents.Selector,
		Fields:   documents.Fields,
		Limit:    documents.Limit,
		Skip:     documents.Skip,
	}
	if request.Selector == nil {
		request.Selector = map[string]any{}
	}
	for _, sortField := range documents.Sort {
		direction := "asc"
		if sortField.Descending {
			direction = "desc"
		}
		request.Sort = append(request.Sort, map[string]string{sortField.Field: direction})
	}

	for directive := range q.Directives() {
		switch typed := directive.(type) {
		case query.Bookmark:
			request.Bookmark = typed.Value
		case query.ReadQuorum:
			request.ReadQuorum = typed.Quorum
		case query.NoIndexUpdate:
			update := false
			request.Update = &update
		case query.StableReads:
			request.Stable = true
		case query.IndexHint:
			values := typed.Values()
			if len(values) == 1 {
				request.UseIndex = values[0]
			} else {
				request.UseIndex = values
			}
		case query.ExecutionStats:
			request.ExecutionStats = true
		case query.Conflicts:
			request.Conflicts = true
		default:
			return FindRequest{}, docerr.Unsupported("directive", string(directive.Name()))
		}
	}
	return request, nil
}

// Marshal translates q and encodes the request body.
func Marshal[T any](q *query.Query[T]) ([]byte, error) {
	request, err := Translate(q)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request)
}
