package docsync

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/couchstage/internal/attachments"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
)

const (
	fieldID          = "_id"
	fieldRevision    = "_rev"
	fieldAttachments = "_attachments"
)

// Target identifies the remote document a stage is written to.
type Target struct {
	Database   string
	DocumentID string
	// Revision is the current remote revision. Empty creates the document.
	Revision string
	// Fields holds the document body without reserved underscore fields.
	Fields map[string]any
}

// AttachmentEntry is one value of the encoded _attachments object.
type AttachmentEntry struct {
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
	Follows     bool   `json:"follows,omitempty"`
}

// Upload is a single attachment body streamed after the JSON part.
type Upload struct {
	Name        string
	ContentType string
	Length      int64
	Path        string
}

// DocumentWrite is everything a Transport needs to write one document.
type DocumentWrite struct {
	Database   string
	DocumentID string
	Revision   string
	Document   map[string]any
	Uploads    []Upload
	Deletions  []string
	Unchanged  []string
	FileSystem attachments.FileSystem
}

// Plan derives the document write for stage. A record that is both deleted
// and carrying pending content is treated as a deletion.
func Plan(target Target, stage *attachments.Stage) (DocumentWrite, error) {
	if stage == nil {
		return DocumentWrite{}, docerr.InvalidArgument("stage", "nil")
	}
	if strings.TrimSpace(target.Database) == "" {
		return DocumentWrite{}, docerr.InvalidArgument("database", "empty")
	}
	if strings.TrimSpace(target.DocumentID) == "" {
		return DocumentWrite{}, docerr.InvalidArgument("documentID", "empty")
	}
	for key := range target.Fields {
		if strings.HasPrefix(key, "_") {
			return DocumentWrite{}, docerr.InvalidArgument("fields", "reserved field "+key)
		}
	}

	records := stage.Snapshot()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	write := DocumentWrite{
		Database:   target.Database,
		DocumentID: target.DocumentID,
		Revision:   target.Revision,
		FileSystem: stage.FileSystem(),
	}
	entries := make(map[string]AttachmentEntry, len(records))
	for _, record := range records {
		switch {
		case record.Deleted:
			write.Deletions = append(write.Deletions, record.Name)
		case record.HasPendingContent():
			entries[record.Name] = AttachmentEntry{
				ContentType: record.ContentType,
				Length:      record.Pending.Size,
				Follows:     true,
			}
			write.Uploads = append(write.Uploads, Upload{
				Name:        record.Name,
				ContentType: record.ContentType,
				Length:      record.Pending.Size,
				Path:        record.Pending.Path,
			})
		default:
			entries[record.Name] = AttachmentEntry{Stub: true}
			write.Unchanged = append(write.Unchanged, record.Name)
		}
	}

	document := make(map[string]any, len(target.Fields)+3)
	for key, value := range target.Fields {
		document[key] = value
	}
	document[fieldID] = target.DocumentID
	if target.Revision != "" {
		document[fieldRevision] = target.Revision
	}
	document[fieldAttachments] = entries
	write.Document = document
	return write, nil
}
