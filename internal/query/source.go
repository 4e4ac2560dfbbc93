package query

// Source is the query a directive chain is built on.
//
// Sealed: Documents is a document query the find translator understands; View
// is a map/reduce view query, which cannot carry find directives.
type Source interface {
	Database() string
	sourceNode()
}

// SortField orders results by one field.
type SortField struct {
	Field      string
	Descending bool
}

// Documents is a selector-based document query.
type Documents struct {
	DB       string
	Selector map[string]any
	Fields   []string
	Sort     []SortField
	Limit    int
	Skip     int
}

func (d Documents) Database() string { return d.DB }
func (Documents) sourceNode()        {}

// View is a query against a design document view.
type View struct {
	DB        string
	DesignDoc string
	ViewName  string
}

func (v View) Database() string { return v.DB }
func (View) sourceNode()        {}
