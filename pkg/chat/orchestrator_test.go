package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/conversation"
	"github.com/go-go-golems/grillo/pkg/streaming"
)

type sinkFunc func(Event) error

func (f sinkFunc) PublishEvent(event Event) error {
	return f(event)
}

// streamServer replays one canned body per request and records the decoded
// request payloads.
type streamServer struct {
	mu       sync.Mutex
	bodies   []string
	requests []Request
	headers  []http.Header
}

func (s *streamServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var req Request
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)
	s.headers = append(s.headers, r.Header.Clone())

	var body string
	if len(s.bodies) > 0 {
		body = s.bodies[0]
		s.bodies = s.bodies[1:]
	}
	s.mu.Unlock()

	_, _ = io.WriteString(w, body)
}

func (s *streamServer) request(t *testing.T, i int) Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.requests), i)
	return s.requests[i]
}

func newTestOrchestrator(t *testing.T, bodies ...string) (*Orchestrator, *Session, *streamServer, *MapStore) {
	t.Helper()
	server := &streamServer{bodies: bodies}
	ts := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(ts.Close)

	store := NewMapStore()
	orchestrator := New(
		Deps{Store: store},
		WithEndpoint(ts.URL),
		WithModel("test-model"),
	)
	return orchestrator, NewSession(), server, store
}

const simpleBody = `f:{"messageId":"srv-1"}
0:"Hel"
0:"lo"
e:{"finishReason":"stop"}
d:{"finishReason":"stop","usage":{"promptTokens":3,"completionTokens":2}}
`

func TestAppendRunsFullTurn(t *testing.T) {
	orchestrator, session, server, store := newTestOrchestrator(t, simpleBody)

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))

	require.Equal(t, StatusReady, orchestrator.Status())
	require.NoError(t, orchestrator.Err())

	path := session.ActivePath()
	require.Len(t, path, 2)
	require.Equal(t, user.ID, path[0].ID)
	require.Equal(t, conversation.RoleAssistant, path[1].Role)
	require.Equal(t, "Hello", path[1].Content)
	require.Equal(t, user.ID, path[1].ParentID)
	require.Equal(t, path[1].ID, session.CurrentID)

	// The request carried the active path up to the user message.
	req := server.request(t, 0)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "hi", req.Messages[0].Content)
	require.Equal(t, "test-model", req.Model)
	require.True(t, req.Stream)

	// The finished turn was persisted.
	_, err := store.Get("conversations/" + session.ID + ".json")
	require.NoError(t, err)

	loaded, err := LoadSession(store, session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ActivePath(), 2)
	require.Equal(t, "Hello", loaded.ActivePath()[1].Content)
}

func TestAppendNonUserDoesNotCallBackend(t *testing.T) {
	orchestrator, session, server, _ := newTestOrchestrator(t)

	system := conversation.NewMessage(conversation.RoleSystem, "be nice")
	require.NoError(t, orchestrator.Append(context.Background(), session, system))

	require.Equal(t, system.ID, session.CurrentID)
	server.mu.Lock()
	defer server.mu.Unlock()
	require.Empty(t, server.requests)
}

func TestAppendTransportErrorRollsBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	var reported error
	orchestrator := New(
		Deps{OnError: func(err error) { reported = err }},
		WithEndpoint(ts.URL),
	)
	session := NewSession()

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	err := orchestrator.Append(context.Background(), session, user)
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, StatusError, orchestrator.Status())
	require.ErrorIs(t, orchestrator.Err(), err)
	require.Equal(t, err, reported)

	// The optimistic attach was rolled back.
	require.Equal(t, 0, session.Graph.Len())
	require.Equal(t, conversation.NullNode, session.CurrentID)
}

func TestAppendKeepOnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	orchestrator := New(Deps{}, WithEndpoint(ts.URL), WithKeepOnError())
	session := NewSession()

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.Error(t, orchestrator.Append(context.Background(), session, user))

	// The user message survives the failed turn.
	require.Equal(t, 1, session.Graph.Len())
	require.Equal(t, user.ID, session.CurrentID)
}

func TestStreamErrorEventKeepsContent(t *testing.T) {
	body := `0:"partial answer"` + "\n" + `{"type":"error","value":"backend exploded"}` + "\n"
	orchestrator, session, _, _ := newTestOrchestrator(t, body)

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))

	// A server-reported error flips the status but the decoded content
	// stays in the graph.
	require.Equal(t, StatusError, orchestrator.Status())
	require.EqualError(t, orchestrator.Err(), "backend exploded")

	path := session.ActivePath()
	require.Len(t, path, 2)
	require.Equal(t, "partial answer", path[1].Content)
}

func TestRetryMessageCreatesSiblingBranch(t *testing.T) {
	second := `0:"second answer"` + "\n" + `d:{"finishReason":"stop"}` + "\n"
	orchestrator, session, server, _ := newTestOrchestrator(t, simpleBody, second)

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))

	first := session.ActivePath()[1]
	require.NoError(t, orchestrator.RetryMessage(context.Background(), session, first.ID))

	// Both answers hang off the same user message; the selection moved to
	// the retry.
	parent, ok := session.Graph.Get(user.ID)
	require.True(t, ok)
	require.Len(t, parent.ChildrenIDs, 2)

	path := session.ActivePath()
	require.Equal(t, "second answer", path[len(path)-1].Content)

	// The original answer is untouched.
	original, ok := session.Graph.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, "Hello", original.Content)

	info, err := orchestrator.BranchInfo(session, user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, info.CurrentIndex)
	require.Equal(t, 2, info.TotalBranches)

	// Switching back shows the first answer again.
	require.NoError(t, orchestrator.SwitchBranch(session, user.ID, 0))
	path = session.ActivePath()
	require.Equal(t, "Hello", path[len(path)-1].Content)

	// The retry request was marked as a branch, seeded, and replayed the
	// history up to the shared parent.
	req := server.request(t, 1)
	require.NotNil(t, req.Options)
	require.True(t, req.Options.IsBranch)
	require.Equal(t, user.ID.String(), req.Options.ParentMessageID)
	require.NotZero(t, req.Seed)
	server.mu.Lock()
	require.NotEmpty(t, server.headers[1].Get("X-Retry-Seed"))
	server.mu.Unlock()
	require.Len(t, req.Messages, 1)
	require.Equal(t, "hi", req.Messages[0].Content)
}

func TestRetryMessagePreservesSiblingData(t *testing.T) {
	second := `0:"second answer"` + "\n" + `d:{"finishReason":"stop"}` + "\n"
	server := &streamServer{bodies: []string{simpleBody, second}}
	ts := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(ts.Close)

	var firstID conversation.NodeID
	orchestrator := New(
		Deps{},
		WithEndpoint(ts.URL),
		WithInterceptors(Interceptor{
			AfterRequest: func(ctx context.Context, s *Session, req *Request, result *streaming.Result) error {
				// Drift the existing sibling's auxiliary data while the
				// retry turn is still settling; its content stays put.
				if req.Options != nil && req.Options.IsBranch {
					if msg, ok := s.Graph.Get(firstID); ok {
						if msg.Data == nil {
							msg.Data = map[string]interface{}{}
						}
						msg.Data["traceId"] = "drift"
					}
				}
				return nil
			},
		}),
	)
	session := NewSession()

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))
	firstID = session.ActivePath()[1].ID

	require.NoError(t, orchestrator.RetryMessage(context.Background(), session, firstID))

	// The sibling is re-asserted to its pre-retry snapshot even when only
	// its data diverged.
	original, ok := session.Graph.Get(firstID)
	require.True(t, ok)
	require.Equal(t, "Hello", original.Content)
	require.NotContains(t, original.Data, "traceId")

	path := session.ActivePath()
	require.Equal(t, "second answer", path[len(path)-1].Content)
}

func TestReloadReplacesLastAssistant(t *testing.T) {
	second := `0:"better answer"` + "\n" + `d:{"finishReason":"stop"}` + "\n"
	orchestrator, session, _, _ := newTestOrchestrator(t, simpleBody, second)

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))
	firstID := session.ActivePath()[1].ID

	require.NoError(t, orchestrator.Reload(context.Background(), session, ReloadOptions{}))

	// The old answer is gone, replaced by a fresh one under the same user
	// message.
	_, ok := session.Graph.Get(firstID)
	require.False(t, ok)

	path := session.ActivePath()
	require.Len(t, path, 2)
	require.Equal(t, "better answer", path[1].Content)
	require.Equal(t, user.ID, path[1].ParentID)
}

func TestContinueMergesInPlace(t *testing.T) {
	continuation := `0:"lo, world"` + "\n" + `d:{"finishReason":"stop"}` + "\n"
	orchestrator, session, server, _ := newTestOrchestrator(t, simpleBody, continuation)

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))

	assistant := session.ActivePath()[1]
	require.Equal(t, "Hello", assistant.Content)

	nodesBefore := session.Graph.Len()
	require.NoError(t, orchestrator.Continue(context.Background(), session, assistant.ID))

	// No new node: the continuation merged into the existing message, with
	// the overlap deduplicated.
	require.Equal(t, nodesBefore, session.Graph.Len())

	merged, ok := session.Graph.Get(assistant.ID)
	require.True(t, ok)
	require.Equal(t, "Hello, world", merged.Content)
	require.Equal(t, assistant.ID, session.CurrentID)

	// The appended text part is flagged as a continuation and carries only
	// what the seam dedup kept, so the content stays the concatenation of
	// all text parts.
	last := merged.LastTextPart()
	require.NotNil(t, last)
	require.True(t, last.IsContinued)
	require.Equal(t, ", world", last.Text)

	var joined string
	for _, part := range merged.Parts {
		if text, ok := part.(*conversation.TextPart); ok {
			joined += text.Text
		}
	}
	require.Equal(t, merged.Content, joined)

	// The request replayed the history up to the parent plus a directive,
	// and told the backend to reuse the message.
	req := server.request(t, 1)
	require.NotNil(t, req.Options)
	require.True(t, req.Options.SkipUserMessage)
	require.Equal(t, assistant.ID.String(), req.Options.PreserveMessageID)
	require.Equal(t, ContinueDirective, req.Messages[len(req.Messages)-1].Content)
}

func TestStopAbortsSilently(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0:\"Hel\"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	// Synchronize on the first committed snapshot, not on the server side,
	// so the abort provably lands after "Hel" reached the graph.
	committed := make(chan struct{})
	var once sync.Once
	sink := sinkFunc(func(event Event) error {
		if event.Type == EventTypePartial {
			once.Do(func() { close(committed) })
		}
		return nil
	})

	orchestrator := New(Deps{Sinks: []EventSink{sink}}, WithEndpoint(ts.URL))
	session := NewSession()

	done := make(chan error, 1)
	user := conversation.NewMessage(conversation.RoleUser, "hi")
	go func() {
		done <- orchestrator.Append(context.Background(), session, user)
	}()

	<-committed
	orchestrator.Stop()

	// An abort is not a failure.
	require.NoError(t, <-done)
	require.Equal(t, StatusReady, orchestrator.Status())
	require.NoError(t, orchestrator.Err())

	// Whatever was flushed before the abort stays; nothing after it was
	// committed.
	path := session.ActivePath()
	require.Len(t, path, 2)
	require.Equal(t, "Hel", path[1].Content)
}

func TestSecondRequestWhileInFlight(t *testing.T) {
	started := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0:\"busy\"\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	orchestrator := New(Deps{}, WithEndpoint(ts.URL))
	session := NewSession()

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.Append(context.Background(), session, conversation.NewMessage(conversation.RoleUser, "one"))
	}()
	<-started

	other := NewSession()
	err := orchestrator.Append(context.Background(), other, conversation.NewMessage(conversation.RoleUser, "two"))
	require.ErrorIs(t, err, ErrRequestInFlight)

	// The rejected call left no trace: its optimistic attach was undone.
	require.Equal(t, 0, other.Graph.Len())
	require.Equal(t, conversation.NullNode, other.CurrentID)

	orchestrator.Stop()
	require.NoError(t, <-done)
}

func TestInterceptorsRun(t *testing.T) {
	server := &streamServer{bodies: []string{simpleBody}}
	ts := httptest.NewServer(http.HandlerFunc(server.handler))
	t.Cleanup(ts.Close)

	var order []string
	orchestrator := New(
		Deps{},
		WithEndpoint(ts.URL),
		WithInterceptors(Interceptor{
			BeforeRequest: func(ctx context.Context, s *Session, req *Request) error {
				order = append(order, "before")
				// Interceptors may rewrite the outgoing request.
				req.Model = "rewritten"
				return nil
			},
			AfterRequest: func(ctx context.Context, s *Session, req *Request, result *streaming.Result) error {
				order = append(order, "after")
				require.Equal(t, "Hello", result.Message.Content)
				return nil
			},
		}),
	)
	session := NewSession()

	user := conversation.NewMessage(conversation.RoleUser, "hi")
	require.NoError(t, orchestrator.Append(context.Background(), session, user))

	require.Equal(t, []string{"before", "after"}, order)
	require.Equal(t, "rewritten", server.request(t, 0).Model)
}

func TestInterceptorOnErrorRuns(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	var seen error
	orchestrator := New(
		Deps{},
		WithEndpoint(ts.URL),
		WithInterceptors(Interceptor{
			OnError: func(ctx context.Context, s *Session, req *Request, err error) {
				seen = err
			},
		}),
	)
	session := NewSession()

	err := orchestrator.Append(context.Background(), session, conversation.NewMessage(conversation.RoleUser, "hi"))
	require.Error(t, err)
	require.Equal(t, err, seen)
}

func TestSwitchBranchUnknownParent(t *testing.T) {
	orchestrator, session, _, _ := newTestOrchestrator(t)
	err := orchestrator.SwitchBranch(session, conversation.NewNodeID(), 0)
	require.ErrorIs(t, err, conversation.ErrOrphanParent)
}
