package query

// DirectiveName is the find-request field a directive controls.
type DirectiveName string

const (
	DirectiveBookmark        DirectiveName = "bookmark"
	DirectiveReadQuorum      DirectiveName = "r"
	DirectiveSkipIndexUpdate DirectiveName = "update"
	DirectiveStableReads     DirectiveName = "stable"
	DirectiveUseIndex        DirectiveName = "use_index"
	DirectiveExecutionStats  DirectiveName = "execution_stats"
	DirectiveConflicts       DirectiveName = "conflicts"
)

// Directive is a validated, immutable query modifier.
//
// This is a sealed interface: only types in this package implement it, so
// interpreters can switch over the variants exhaustively.
type Directive interface {
	Name() DirectiveName
	directiveNode()
}

// Bookmark resumes a paginated query from a server-issued bookmark.
type Bookmark struct {
	Value string
}

func (Bookmark) Name() DirectiveName { return DirectiveBookmark }
func (Bookmark) directiveNode()      {}

// ReadQuorum sets how many replicas must answer a read.
type ReadQuorum struct {
	Quorum int
}

func (ReadQuorum) Name() DirectiveName { return DirectiveReadQuorum }
func (ReadQuorum) directiveNode()      {}

// NoIndexUpdate serves the query from the index without refreshing it first.
type NoIndexUpdate struct{}

func (NoIndexUpdate) Name() DirectiveName { return DirectiveSkipIndexUpdate }
func (NoIndexUpdate) directiveNode()      {}

// StableReads pins the query to a stable set of shard replicas.
type StableReads struct{}

func (StableReads) Name() DirectiveName { return DirectiveStableReads }
func (StableReads) directiveNode()      {}

// IndexHint names the index to use: a design document, optionally narrowed to
// one index inside it.
type IndexHint struct {
	DesignDoc string
	Index     string
}

func (IndexHint) Name() DirectiveName { return DirectiveUseIndex }
func (IndexHint) directiveNode()      {}

// Values returns the hint as sent on the wire: one or two strings.
func (u IndexHint) Values() []string {
	if u.Index == "" {
		return []string{u.DesignDoc}
	}
	return []string{u.DesignDoc, u.Index}
}

// ExecutionStats asks the server to report execution statistics.
type ExecutionStats struct{}

func (ExecutionStats) Name() DirectiveName { return DirectiveExecutionStats }
func (ExecutionStats) directiveNode()      {}

// Conflicts asks the server to include conflicting revisions.
type Conflicts struct{}

func (Conflicts) Name() DirectiveName { return DirectiveConflicts }
func (Conflicts) directiveNode()      {}
