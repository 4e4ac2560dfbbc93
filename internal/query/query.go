// Package query composes server directives onto a deferred query without
// executing it.
//
// A Query is a persistent chain: every builder returns a new value that points
// at the previous one, so the unmodified prefix is shared and never mutated.
// Two chains grown from the same base never observe each other, and concurrent
// appends from one base are safe. Interpreters walk the chain with Directives.
package query

import (
	"fmt"
	"iter"
	"strings"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
)

const (
	argumentQuery    = "query"
	argumentSource   = "source"
	argumentBookmark = "bookmark"
	argumentQuorum   = "quorum"
	argumentIndexes  = "indexes"
)

// Query is a deferred query over element type T plus its applied directives.
type Query[T any] struct {
	source Source
	tail   *node
	length int
}

type node struct {
	directive Directive
	previous  *node
}

// New starts an empty directive chain over source.
func New[T any](source Source) (*Query[T], error) {
	if source == nil {
		return nil, docerr.InvalidArgument(argumentSource, "nil")
	}
	return &Query[T]{source: source}, nil
}

// Source returns the query the chain was built on.
func (q *Query[T]) Source() Source {
	return q.source
}

// Len returns the number of applied directives.
func (q *Query[T]) Len() int {
	return q.length
}

// Directives yields the applied directives in application order.
func (q *Query[T]) Directives() iter.Seq[Directive] {
	return func(yield func(Directive) bool) {
		ordered := make([]Directive, q.length)
		index := q.length - 1
		for current := q.tail; current != nil; current = current.previous {
			ordered[index] = current.directive
			index--
		}
		for _, directive := range ordered {
			if !yield(directive) {
				return
			}
		}
	}
}

func (q *Query[T]) with(directive Directive) *Query[T] {
	return &Query[T]{
		source: q.source,
		tail:   &node{directive: directive, previous: q.tail},
		length: q.length + 1,
	}
}

// WithBookmark resumes pagination from bookmark.
func WithBookmark[T any](q *Query[T], bookmark string) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	if strings.TrimSpace(bookmark) == "" {
		return nil, docerr.InvalidArgument(argumentBookmark, "empty")
	}
	return q.with(Bookmark{Value: bookmark}), nil
}

// WithReadQuorum requires quorum replicas to answer the read.
func WithReadQuorum[T any](q *Query[T], quorum int) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	if quorum < 1 {
		return nil, docerr.InvalidArgument(argumentQuorum, fmt.Sprintf("must be at least 1, got %d", quorum))
	}
	return q.with(ReadQuorum{Quorum: quorum}), nil
}

// SkipIndexUpdate answers from the current index state without refreshing it.
func SkipIndexUpdate[T any](q *Query[T]) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	return q.with(NoIndexUpdate{}), nil
}

// WithStableReads pins the read to a stable replica set.
func WithStableReads[T any](q *Query[T]) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	return q.with(StableReads{}), nil
}

// UseIndex hints a design document and optionally an index inside it.
func UseIndex[T any](q *Query[T], indexes ...string) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	if indexes == nil {
		return nil, docerr.InvalidArgument(argumentIndexes, "nil")
	}
	if len(indexes) < 1 || len(indexes) > 2 {
		return nil, docerr.InvalidArgument(argumentIndexes, fmt.Sprintf("expected 1 or 2 names, got %d", len(indexes)))
	}
	for position, name := range indexes {
		if strings.TrimSpace(name) == "" {
			return nil, docerr.InvalidArgument(argumentIndexes, fmt.Sprintf("empty name at position %d", position))
		}
	}
	hint := IndexHint{DesignDoc: indexes[0]}
	if len(indexes) == 2 {
		hint.Index = indexes[1]
	}
	return q.with(hint), nil
}

// IncludeExecutionStats asks for execution statistics alongside the results.
func IncludeExecutionStats[T any](q *Query[T]) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	return q.with(ExecutionStats{}), nil
}

// IncludeConflicts asks for conflicting revisions alongside each document.
func IncludeConflicts[T any](q *Query[T]) (*Query[T], error) {
	if q == nil {
		return nil, docerr.InvalidArgument(argumentQuery, "nil")
	}
	return q.with(Conflicts{}), nil
}
