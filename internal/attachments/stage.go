// Package attachments tracks pending attachment mutations against a remote
// document until a synchronizer writes them out.
//
// The stage never serializes anything itself. The diff a synchronizer needs is
// derived from record flags: records with pending content are additions,
// records marked deleted are deletions, and everything else is unchanged.
package attachments

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
)

const (
	argumentPath        = "localFilePath"
	argumentContentType = "contentType"
	argumentName        = "attachmentName"
)

// Stage owns the name -> record mapping for one document.
//
// A Stage is not safe for concurrent mutation; callers sharing one must
// synchronize externally.
type Stage struct {
	fs      FileSystem
	records map[string]*Record
	order   []string
}

// NewStage returns an empty stage. A nil fs selects the operating system.
func NewStage(fs FileSystem) *Stage {
	if fs == nil {
		fs = OSFileSystem()
	}
	return &Stage{
		fs:      fs,
		records: make(map[string]*Record),
	}
}

// Hydrate builds a stage from a server-provided _attachments mapping. Each
// record's name is back-filled from its key; keys are ordered lexically so the
// resulting diffs are deterministic.
func Hydrate(fs FileSystem, serverAttachments map[string]ServerAttachment) (*Stage, error) {
	stage := NewStage(fs)
	names := make([]string, 0, len(serverAttachments))
	for name := range serverAttachments {
		if strings.TrimSpace(name) == "" {
			return nil, docerr.InvalidArgument(argumentName, "empty key in server attachments")
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attachment := serverAttachments[name]
		stage.put(&Record{
			Name:        name,
			ContentType: attachment.ContentType,
			Length:      attachment.Length,
			Digest:      attachment.Digest,
			RevPos:      attachment.RevPos,
		})
	}
	return stage, nil
}

// Restore rebuilds a stage from records previously captured with Snapshot.
func Restore(fs FileSystem, records []Record) (*Stage, error) {
	stage := NewStage(fs)
	for _, record := range records {
		if strings.TrimSpace(record.Name) == "" {
			return nil, docerr.InvalidArgument(argumentName, "empty record name")
		}
		if _, exists := stage.records[record.Name]; exists {
			return nil, docerr.InvalidArgument(argumentName, fmt.Sprintf("duplicate record %q", record.Name))
		}
		copied := record.clone()
		stage.put(&copied)
	}
	return stage, nil
}

// AddOption customizes AddOrUpdate.
type AddOption func(*addOptions)

type addOptions struct {
	name string
}

// WithName stages the attachment under an explicit name instead of the file's base name.
func WithName(name string) AddOption {
	return func(options *addOptions) {
		options.name = name
	}
}

// AddOrUpdate stages local file content under a name derived from the file
// path (or given with WithName). An existing record keeps its name and has its
// content type and pending content replaced; a record previously marked deleted
// is revived.
func (s *Stage) AddOrUpdate(localFilePath, contentType string, opts ...AddOption) (Record, error) {
	if strings.TrimSpace(localFilePath) == "" {
		return Record{}, docerr.InvalidArgument(argumentPath, "empty")
	}
	if strings.TrimSpace(contentType) == "" {
		return Record{}, docerr.InvalidArgument(argumentContentType, "empty")
	}

	options := addOptions{name: filepath.Base(localFilePath)}
	for _, opt := range opts {
		opt(&options)
	}
	// Names are stored verbatim; every lookup uses the same key.
	name := options.name
	if trimmed := strings.TrimSpace(name); trimmed == "" || trimmed == "." || trimmed == string(filepath.Separator) {
		return Record{}, docerr.InvalidArgument(argumentName, "empty")
	}

	size, err := s.validateSource(localFilePath)
	if err != nil {
		return Record{}, err
	}

	record, exists := s.records[name]
	if !exists {
		record = &Record{Name: name}
		s.put(record)
	}
	record.ContentType = contentType
	record.Length = size
	record.Pending = &PendingContent{Path: localFilePath, Size: size}
	record.Deleted = false
	return record.clone(), nil
}

func (s *Stage) validateSource(localFilePath string) (int64, error) {
	exists, err := s.fs.Exists(localFilePath)
	if err != nil {
		return 0, docerr.InvalidArgument(argumentPath, err.Error())
	}
	if !exists {
		return 0, docerr.NotFound(argumentPath, localFilePath)
	}
	info, err := s.fs.Stat(localFilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, docerr.NotFound(argumentPath, localFilePath)
		}
		return 0, docerr.InvalidArgument(argumentPath, err.Error())
	}
	if info.IsDir {
		return 0, docerr.InvalidArgument(argumentPath, "is a directory")
	}
	reader, err := s.fs.Open(localFilePath)
	if err != nil {
		return 0, docerr.InvalidArgument(argumentPath, "not readable")
	}
	_ = reader.Close()
	return info.Size, nil
}

// MarkDeleted flags a record for deletion. Pending content is left in place;
// precedence is decided by the synchronizer.
func (s *Stage) MarkDeleted(name string) error {
	record, ok := s.records[name]
	if !ok {
		return docerr.NotFound(argumentName, name)
	}
	record.Deleted = true
	return nil
}

// MarkSynchronized clears the pending content of a record after its upload
// has been confirmed by the server.
func (s *Stage) MarkSynchronized(name string) error {
	record, ok := s.records[name]
	if !ok {
		return docerr.NotFound(argumentName, name)
	}
	record.Pending = nil
	return nil
}

// Remove evicts a record. Removing an absent name is a no-op.
func (s *Stage) Remove(name string) {
	if _, ok := s.records[name]; !ok {
		return
	}
	delete(s.records, name)
	s.order = slices.DeleteFunc(s.order, func(candidate string) bool {
		return candidate == name
	})
}

// Get returns the record stored under name, deleted or not.
func (s *Stage) Get(name string) (Record, error) {
	record, ok := s.records[name]
	if !ok {
		return Record{}, docerr.NotFound(argumentName, name)
	}
	return record.clone(), nil
}

// Enumerate yields every record not marked deleted, in insertion order. Each
// iteration reads the stage as it is at that moment.
func (s *Stage) Enumerate() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for _, name := range slices.Clone(s.order) {
			record, ok := s.records[name]
			if !ok || record.Deleted {
				continue
			}
			if !yield(record.clone()) {
				return
			}
		}
	}
}

// PendingAdditions returns the records whose content must be uploaded on the next write.
func (s *Stage) PendingAdditions() []Record {
	return s.collect(func(record *Record) bool { return record.Pending != nil })
}

// PendingDeletions returns the records that must be dropped on the next write.
func (s *Stage) PendingDeletions() []Record {
	return s.collect(func(record *Record) bool { return record.Deleted })
}

// Snapshot returns every record, including deleted ones, in insertion order.
func (s *Stage) Snapshot() []Record {
	return s.collect(func(*Record) bool { return true })
}

// Len reports the number of records, including deleted ones.
func (s *Stage) Len() int {
	return len(s.order)
}

// Names returns the record names in insertion order.
func (s *Stage) Names() []string {
	return slices.Clone(s.order)
}

// FileSystem returns the collaborator used to validate and open sources.
func (s *Stage) FileSystem() FileSystem {
	return s.fs
}

func (s *Stage) put(record *Record) {
	s.records[record.Name] = record
	s.order = append(s.order, record.Name)
}

func (s *Stage) collect(keep func(*Record) bool) []Record {
	result := make([]Record, 0, len(s.order))
	for _, name := range s.order {
		record := s.records[name]
		if keep(record) {
			result = append(result, record.clone())
		}
	}
	return result
}
