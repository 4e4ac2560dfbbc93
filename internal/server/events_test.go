package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewStageEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "book-1")
	defer cleanup()

	dispatcher.Publish(StageEvent{
		DocumentID: "book-1",
		EventType:  StageEventChanged,
		Changes:    []StageEventEntry{{Name: "cover.jpg", Action: "staged"}, {Name: "manual.pdf", Action: "deleted"}},
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != StageEventChanged {
			t.Fatalf("expected event type %s, got %s", StageEventChanged, received.EventType)
		}
		if len(received.Changes) != 2 {
			t.Fatalf("expected 2 changes, got %d", len(received.Changes))
		}
		if received.Source != stageEventSource {
			t.Fatalf("expected default source, got %q", received.Source)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stage event within deadline")
	}
}

func TestStageEventDispatcherIsolatedByDocument(t *testing.T) {
	dispatcher := NewStageEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bookStream, cleanup := dispatcher.Subscribe(ctx, "book-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "book-3")
	defer otherCleanup()

	dispatcher.Publish(StageEvent{DocumentID: "book-3", EventType: StageEventSynchronized, Revision: "4-def"})

	select {
	case <-bookStream:
		t.Fatal("did not expect stage event for unrelated document")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.DocumentID != "book-3" || event.Revision != "4-def" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stage event for subscribed document")
	}
}

func TestStageEventDispatcherReleasesSubscriptionOnCancel(t *testing.T) {
	dispatcher := NewStageEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "book-4")
	defer cleanup()
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected subscription to be released after cancellation")
}

func TestStageEventDispatcherIgnoresIncompleteEvents(t *testing.T) {
	dispatcher := NewStageEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "book-5")
	defer cleanup()

	dispatcher.Publish(StageEvent{DocumentID: "book-5"})
	select {
	case event := <-stream:
		t.Fatalf("did not expect untyped event, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStageEventStreamEmitsStageChanges(t *testing.T) {
	env := newTestEnvironment(t)
	env.track(t, "book-1")

	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/documents/book-1/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+env.token)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	currentEventType := ""
	staged := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stage-change event")
		case result := <-lines:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if currentEventType == stageEventHeartbeat && !staged {
					staged = true
					body := `{"local_file_path":"` + reportPath + `","content_type":"application/pdf"}`
					if recorder := env.do(t, http.MethodPost, "/documents/book-1/attachments", body); recorder.Code != http.StatusCreated {
						t.Fatalf("failed to stage: %d %s", recorder.Code, recorder.Body.String())
					}
					continue
				}
				if currentEventType != StageEventChanged {
					continue
				}
				var event StageEvent
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
					t.Fatalf("failed to decode event payload: %v", err)
				}
				if event.DocumentID != "book-1" || len(event.Changes) != 1 || event.Changes[0].Name != "report.pdf" || event.Changes[0].Action != "staged" {
					t.Fatalf("unexpected stage event %+v", event)
				}
				return
			}
		}
	}
}
