package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConflict reports that the remote revision moved since the stage was hydrated.
	ErrConflict = errors.New("document update conflict")

	errMissingBaseURL   = errors.New("base url is required")
	errContentChanged   = errors.New("attachment content changed since staging")
	errMissingRevision  = errors.New("response carried no revision")
	errMissingFileStore = errors.New("file system is required for uploads")
)

// Transport writes a planned document to the remote store.
type Transport interface {
	PutDocument(ctx context.Context, write DocumentWrite) (string, error)
}

// StatusError is a non-success response from the remote store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	return nil
}

// Retryable reports whether the same write may succeed on another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// HTTPTransportConfig configures NewHTTPTransport.
type HTTPTransportConfig struct {
	BaseURL  string
	Username string
	Password string
	Client   *http.Client
}

// HTTPTransport writes documents with a single multipart/related PUT.
type HTTPTransport struct {
	baseURL  *url.URL
	username string
	password string
	client   *http.Client
}

// NewHTTPTransport constructs an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL:  parsed,
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
	}, nil
}

type putResponse struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id"`
	Revision string `json:"rev"`
}

// PutDocument implements Transport.
func (t *HTTPTransport) PutDocument(ctx context.Context, write DocumentWrite) (string, error) {
	body, contentType, err := encodeMultipart(write)
	if err != nil {
		return "", err
	}

	endpoint := t.baseURL.JoinPath(write.Database, write.DocumentID)
	if write.Revision != "" {
		query := endpoint.Query()
		query.Set("rev", write.Revision)
		endpoint.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/json")
	if t.username != "" {
		request.SetBasicAuth(t.username, t.password)
	}

	response, err := t.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &transientError{err: fmt.Errorf("put document: %w", err)}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", &transientError{err: fmt.Errorf("read response: %w", err)}
	}
	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusAccepted {
		return "", &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	var decoded putResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.Revision == "" {
		return "", errMissingRevision
	}
	return decoded.Revision, nil
}

func encodeMultipart(write DocumentWrite) ([]byte, string, error) {
	document, err := json.Marshal(write.Document)
	if err != nil {
		return nil, "", fmt.Errorf("encode document: %w", err)
	}

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if err := writer.SetBoundary(uuid.NewString()); err != nil {
		return nil, "", fmt.Errorf("set boundary: %w", err)
	}

	documentPart, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	if err != nil {
		return nil, "", fmt.Errorf("create document part: %w", err)
	}
	if _, err := documentPart.Write(document); err != nil {
		return nil, "", fmt.Errorf("write document part: %w", err)
	}

	if len(write.Uploads) > 0 && write.FileSystem == nil {
		return nil, "", errMissingFileStore
	}
	for _, upload := range write.Uploads {
		if err := writeUpload(writer, write, upload); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buffer.Bytes(), "multipart/related; boundary=" + writer.Boundary(), nil
}

func writeUpload(writer *multipart.Writer, write DocumentWrite, upload Upload) error {
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {upload.ContentType},
		"Content-Disposition": {fmt.Sprintf("attachment; filename=%q", upload.Name)},
	})
	if err != nil {
		return fmt.Errorf("create part %s: %w", upload.Name, err)
	}
	source, err := write.FileSystem.Open(upload.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", upload.Path, err)
	}
	defer source.Close()

	written, err := io.Copy(part, source)
	if err != nil {
		return fmt.Errorf("copy %s: %w", upload.Path, err)
	}
	if written != upload.Length {
		return fmt.Errorf("%w: %s staged %d bytes, read %d", errContentChanged, upload.Name, upload.Length, written)
	}
	return nil
}
