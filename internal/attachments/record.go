package attachments

// PendingContent references local file content destined for upload.
type PendingContent struct {
	Path string
	Size int64
}

// ServerAttachment mirrors one entry of a remote document's _attachments map.
type ServerAttachment struct {
	ContentType string `json:"content_type"`
	Length      int64  `json:"length,omitempty"`
	Digest      string `json:"digest,omitempty"`
	RevPos      int64  `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// Record is a single staged attachment.
//
// A record with Pending set has local content awaiting upload. A record with
// Deleted set is hidden from enumeration until Remove evicts it. Both flags
// may be set at once; the synchronizer resolves that conflict in favour of the
// delete.
type Record struct {
	Name        string
	ContentType string
	Length      int64
	Digest      string
	RevPos      int64
	Pending     *PendingContent
	Deleted     bool
}

// HasPendingContent reports whether the record carries local content to upload.
func (r Record) HasPendingContent() bool {
	return r.Pending != nil
}

func (r Record) clone() Record {
	copied := r
	if r.Pending != nil {
		pending := *r.Pending
		copied.Pending = &pending
	}
	return copied
}
