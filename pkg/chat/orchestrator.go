package chat

import (
	"context"
	"math/rand"
	"reflect"
	"sync"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/conversation"
	"github.com/go-go-golems/grillo/pkg/streaming"
)

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// ContinueDirective is appended (unpersisted) to the outgoing history when
// continuing a response in place.
const ContinueDirective = "Continue the previous response exactly where it left off, without repeating anything."

type Option func(*Orchestrator)

func WithEndpoint(endpoint string) Option {
	return func(o *Orchestrator) {
		o.endpoint = endpoint
	}
}

func WithModel(model string) Option {
	return func(o *Orchestrator) {
		o.model = model
	}
}

func WithStreamProtocol(protocol string) Option {
	return func(o *Orchestrator) {
		o.protocol = protocol
	}
}

func WithInterceptors(interceptors ...Interceptor) Option {
	return func(o *Orchestrator) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}

// WithKeepOnError keeps optimistically attached messages in the graph when
// a request fails, instead of rolling back to the pre-request snapshot.
func WithKeepOnError() Option {
	return func(o *Orchestrator) {
		o.keepOnError = true
	}
}

func WithDecoder(decoder *streaming.Decoder) Option {
	return func(o *Orchestrator) {
		o.decoder = decoder
	}
}

// Orchestrator drives the request lifecycle for one conversation at a
// time: it builds the outgoing history from the session's active path,
// streams the response through the decoder, commits throttled snapshots
// into the session graph and handles cancellation, retry-as-branch,
// continue-in-place and error rollback.
//
// Only one request may be in flight per orchestrator; a second submission
// fails with ErrRequestInFlight until the first one is stopped or settles.
type Orchestrator struct {
	deps         Deps
	endpoint     string
	model        string
	protocol     string
	keepOnError  bool
	decoder      *streaming.Decoder
	interceptors []Interceptor

	mu       sync.Mutex
	status   Status
	err      error
	cancel   context.CancelFunc
	inFlight bool
}

func New(deps Deps, options ...Option) *Orchestrator {
	deps.fillDefaults()
	ret := &Orchestrator{
		deps:     deps,
		protocol: StreamProtocolData,
		decoder:  streaming.NewDecoder(),
		status:   StatusReady,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Stop aborts the in-flight transport call. Only the message touched by
// that request loses its unflushed tail; everything already committed
// stays. The orchestrator returns to ready without reporting a failure.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.status = StatusReady
	o.err = nil
}

// Append derives a parent for msg (unless it carries one), optimistically
// attaches it and, for user messages, triggers a generation turn. Non-user
// appends update state without a network call.
func (o *Orchestrator) Append(ctx context.Context, session *Session, msg *conversation.Message) error {
	rollback := snapshotState(session)

	g, err := session.Graph.Attach(msg, session.CurrentID, session.Branch)
	if err != nil {
		return o.failGraph(err)
	}
	session.Graph = g
	session.CurrentID = msg.ID

	o.deps.Logger.Debug().
		Str("message_id", msg.ID.String()).
		Str("role", string(msg.Role)).
		Int("node_count", session.Graph.Len()).
		Msg("message appended")

	if msg.Role != conversation.RoleUser {
		return nil
	}

	req := o.buildRequest(session, session.ActivePath(), nil, 0)
	return o.runTurn(ctx, session, rollback, req, o.appendCommit(session, msg.ID, false))
}

// ReloadOptions modifies Reload. A non-null ParentMessageID turns the
// reload into a branch/retry: the request is issued from that parent and
// produces a new sibling instead of rewriting an existing message.
type ReloadOptions struct {
	ParentMessageID conversation.NodeID
	IsBranch        bool
	Seed            uint64
}

// Reload regenerates the tip of the active path. In the standard case the
// trailing assistant message is removed and the request re-issued from the
// preceding user message; with ParentMessageID set, the history is
// truncated to that parent (inclusive) and a new sibling branch grows
// under it.
func (o *Orchestrator) Reload(ctx context.Context, session *Session, opts ReloadOptions) error {
	rollback := snapshotState(session)

	if opts.ParentMessageID != conversation.NullNode {
		parent, ok := session.Graph.Get(opts.ParentMessageID)
		if !ok {
			return o.failGraph(errors.Wrapf(conversation.ErrOrphanParent, "reload from %s", opts.ParentMessageID))
		}

		thread := session.Graph.Thread(parent.ID)
		reqOptions := &RequestOptions{
			ParentMessageID: parent.ID.String(),
			IsBranch:        opts.IsBranch,
		}
		req := o.buildRequest(session, thread, reqOptions, opts.Seed)
		return o.runTurn(ctx, session, rollback, req, o.appendCommit(session, parent.ID, true))
	}

	path := session.ActivePath()
	if len(path) == 0 {
		return errors.New("reload on empty conversation")
	}

	last := path[len(path)-1]
	parentID := last.ID
	if last.Role == conversation.RoleAssistant {
		parentID = last.ParentID
		if parentID == conversation.NullNode {
			return errors.New("reload: assistant message has no parent")
		}
		session.Graph = session.Graph.RemoveSubtree(last.ID)
		session.CurrentID = parentID
	}

	req := o.buildRequest(session, session.Graph.Thread(parentID), nil, opts.Seed)
	return o.runTurn(ctx, session, rollback, req, o.appendCommit(session, parentID, false))
}

// RetryMessage regenerates an assistant message as a new sibling branch
// under the same parent. The content of every existing sibling is
// snapshotted up front and re-asserted once the network turn has fully
// settled, so a retry can never clobber what was already generated.
func (o *Orchestrator) RetryMessage(ctx context.Context, session *Session, assistantMessageID conversation.NodeID) error {
	msg, ok := session.Graph.Get(assistantMessageID)
	if !ok {
		return o.failGraph(errors.Wrapf(conversation.ErrOrphanParent, "retry %s", assistantMessageID))
	}
	if msg.ParentID == conversation.NullNode {
		return errors.Errorf("retry %s: message has no parent", assistantMessageID)
	}

	preserved := make(map[conversation.NodeID]*conversation.Message)
	for _, siblingID := range session.Graph.Siblings(assistantMessageID) {
		if sibling, ok := session.Graph.Get(siblingID); ok {
			preserved[siblingID] = clone.Clone(sibling).(*conversation.Message)
		}
	}

	err := o.Reload(ctx, session, ReloadOptions{
		ParentMessageID: msg.ParentID,
		IsBranch:        true,
		Seed:            rand.Uint64(),
	})

	// Completion-ordered preservation: the turn has settled (successfully
	// or not) by the time we get here, so re-asserting the snapshots can
	// no longer race the stream.
	for id, original := range preserved {
		current, ok := session.Graph.Get(id)
		if !ok {
			continue
		}
		if reflect.DeepEqual(current, original) {
			continue
		}
		g, replaceErr := session.Graph.Replace(original)
		if replaceErr != nil {
			o.deps.Logger.Warn().Err(replaceErr).Str("message_id", id.String()).Msg("could not re-assert preserved content")
			continue
		}
		session.Graph = g
	}

	return err
}

// Continue re-invokes generation with the history up to the assistant
// message's parent plus a continuation directive, and merges the new text
// onto the end of the existing message. No new node is created.
func (o *Orchestrator) Continue(ctx context.Context, session *Session, assistantMessageID conversation.NodeID) error {
	msg, ok := session.Graph.Get(assistantMessageID)
	if !ok {
		return o.failGraph(errors.Wrapf(conversation.ErrOrphanParent, "continue %s", assistantMessageID))
	}

	rollback := snapshotState(session)
	original := clone.Clone(msg).(*conversation.Message)

	thread := session.Graph.Thread(msg.ParentID)
	messages := outgoingMessages(thread)
	messages = append(messages, OutgoingMessage{
		ID:      o.deps.NewID().String(),
		Role:    string(conversation.RoleUser),
		Content: ContinueDirective,
	})

	req := &Request{
		Messages:       messages,
		Model:          o.model,
		ID:             session.ID,
		Stream:         true,
		StreamProtocol: o.protocol,
		Options: &RequestOptions{
			ParentMessageID:   msg.ParentID.String(),
			SkipUserMessage:   true,
			PreserveMessageID: msg.ID.String(),
		},
	}

	commit := func(snap *conversation.Message) {
		merged := clone.Clone(original).(*conversation.Message)
		merged.Content = o.deps.Combine(original.Content, snap.Content)

		// Whatever the combine rule dropped at the seam has to be dropped
		// from the streamed text parts as well, so that the content stays
		// the concatenation of all text parts.
		overlap := len(original.Content) + len(snap.Content) - len(merged.Content)
		for _, part := range snap.Parts {
			if text, ok := part.(*conversation.TextPart); ok {
				trimmed := text.Text
				if overlap > 0 {
					if overlap >= len(trimmed) {
						overlap -= len(trimmed)
						continue
					}
					trimmed = trimmed[overlap:]
					overlap = 0
				}
				if trimmed == "" {
					continue
				}
				merged.Parts = append(merged.Parts, &conversation.TextPart{Text: trimmed, IsContinued: true})
				continue
			}
			merged.Parts = append(merged.Parts, part)
		}
		for k, v := range snap.Data {
			if merged.Data == nil {
				merged.Data = make(map[string]interface{})
			}
			merged.Data[k] = v
		}

		g, err := session.Graph.Replace(merged)
		if err != nil {
			o.deps.Logger.Warn().Err(err).Str("message_id", merged.ID.String()).Msg("continue commit failed")
			return
		}
		session.Graph = g
		o.deps.publishEvent(NewPartialEvent(o.eventMetadata(session, merged.ID), merged.Content))
	}

	slot := conversation.NewMessage(conversation.RoleAssistant, "",
		conversation.WithID(msg.ID),
		conversation.WithModel(o.model),
		conversation.WithParts(),
	)
	return o.stream(ctx, session, rollback, req, slot, commit)
}

// SwitchBranch selects a different sibling under parentID and moves the
// current leaf accordingly. Selecting the active branch is a no-op.
func (o *Orchestrator) SwitchBranch(session *Session, parentID conversation.NodeID, branchIndex int) error {
	branch, currentID, err := session.Graph.SwitchBranch(session.Branch, parentID, branchIndex)
	if err != nil {
		return o.failGraph(err)
	}
	session.Branch = branch
	session.CurrentID = currentID
	return nil
}

func (o *Orchestrator) BranchInfo(session *Session, parentID conversation.NodeID) (conversation.BranchInfo, error) {
	return session.Graph.BranchInfo(session.Branch, parentID)
}

func (o *Orchestrator) buildRequest(session *Session, path conversation.Conversation, opts *RequestOptions, seed uint64) *Request {
	return &Request{
		Messages:       outgoingMessages(path),
		Model:          o.model,
		ID:             session.ID,
		Stream:         true,
		StreamProtocol: o.protocol,
		Options:        opts,
		Seed:           seed,
	}
}

// appendCommit returns the snapshot sink for a turn that grows a new
// assistant node under parentID: the first snapshot attaches the node, the
// following ones replace it in place, preserving its links. When the new
// node is a retry sibling, the branch selection moves to it.
func (o *Orchestrator) appendCommit(session *Session, parentID conversation.NodeID, selectNewBranch bool) streaming.SnapshotFunc {
	attached := false
	var attachedID conversation.NodeID

	return func(snap *conversation.Message) {
		if attached && snap.ID != attachedID {
			// The backend re-keyed the message after the first flush; move
			// the node rather than leaving a stale twin behind.
			session.Graph = session.Graph.RemoveSubtree(attachedID)
			attached = false
		}

		if !attached {
			g, err := session.Graph.Attach(snap, session.CurrentID, session.Branch)
			if err != nil {
				o.deps.Logger.Warn().Err(err).Str("message_id", snap.ID.String()).Msg("snapshot attach failed")
				return
			}
			session.Graph = g
			session.CurrentID = snap.ID
			attachedID = snap.ID
			attached = true

			if selectNewBranch {
				if parent, ok := session.Graph.Get(parentID); ok && len(parent.ChildrenIDs) > 0 {
					branch := session.Branch.Clone()
					branch[parentID] = len(parent.ChildrenIDs) - 1
					session.Branch = branch
				}
			}
		} else {
			g, err := session.Graph.Replace(snap)
			if err != nil {
				o.deps.Logger.Warn().Err(err).Str("message_id", snap.ID.String()).Msg("snapshot replace failed")
				return
			}
			session.Graph = g
		}

		o.deps.publishEvent(NewPartialEvent(o.eventMetadata(session, snap.ID), snap.Content))
	}
}

// runTurn executes one generation turn that appends a new assistant node.
func (o *Orchestrator) runTurn(ctx context.Context, session *Session, rollback sessionState, req *Request, commit streaming.SnapshotFunc) error {
	parentID := session.CurrentID
	if req.Options != nil && req.Options.ParentMessageID != "" {
		var id conversation.NodeID
		if err := id.UnmarshalText([]byte(req.Options.ParentMessageID)); err == nil {
			parentID = id
		}
	}

	slot := conversation.NewMessage(conversation.RoleAssistant, "",
		conversation.WithID(o.deps.NewID()),
		conversation.WithModel(o.model),
		conversation.WithParentID(parentID),
		conversation.WithParts(),
	)
	return o.stream(ctx, session, rollback, req, slot, commit)
}

// stream is the shared request pipeline: interceptors, transport, decode
// loop, error classification and persistence.
func (o *Orchestrator) stream(
	ctx context.Context,
	session *Session,
	rollback sessionState,
	req *Request,
	slot *conversation.Message,
	commit streaming.SnapshotFunc,
) error {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		// The optimistic graph update of the rejected call must not stick
		// around: no request ever ran for it.
		rollback.restore(session)
		return ErrRequestInFlight
	}
	o.inFlight = true
	o.status = StatusSubmitted
	o.err = nil
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.inFlight = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	metadata := o.eventMetadata(session, slot.ID)

	if err := o.runBeforeRequest(ctx, session, req); err != nil {
		return o.fail(ctx, session, rollback, req, metadata, err)
	}

	o.deps.publishEvent(NewStartEvent(metadata))
	o.deps.Logger.Debug().
		Str("conversation_id", session.ID).
		Int("num_messages", len(req.Messages)).
		Str("protocol", req.StreamProtocol).
		Msg("chat request started")

	body, err := o.do(ctx, req)
	if err != nil {
		if IsAbort(err) {
			return o.abort(session, metadata, "")
		}
		return o.fail(ctx, session, rollback, req, metadata, err)
	}
	defer func() {
		_ = body.Close()
	}()

	o.setStatus(StatusStreaming)

	var result *streaming.Result
	if req.StreamProtocol == StreamProtocolText {
		result, err = o.decoder.DecodeText(ctx, body, slot, commit)
	} else {
		result, err = o.decoder.DecodeData(ctx, body, slot, commit)
	}
	if err != nil {
		if IsAbort(err) {
			return o.abort(session, metadata, slot.Content)
		}
		return o.fail(ctx, session, rollback, req, metadata, &TransportError{Err: err})
	}

	if afterErr := o.runAfterRequest(ctx, session, req, result); afterErr != nil {
		return o.fail(ctx, session, rollback, req, metadata, afterErr)
	}

	if result.ErrText != "" {
		// The stream carried a server-reported error event. The decoded
		// content stays committed; only the status reflects the failure.
		err := errors.New(result.ErrText)
		o.mu.Lock()
		o.status = StatusError
		o.err = err
		o.mu.Unlock()
		o.deps.publishEvent(NewErrorEvent(metadata, err))
		if o.deps.OnError != nil {
			o.deps.OnError(err)
		}
		return nil
	}

	o.setStatus(StatusReady)
	o.deps.publishEvent(NewFinalEvent(metadata, result.Message.Content, result.FinishReason))

	if err := SaveSession(o.deps.Store, session); err != nil {
		// A failed save is fatal for that save only; it is not retried.
		o.deps.Logger.Warn().Err(err).Str("conversation_id", session.ID).Msg("session save failed")
	}

	o.deps.Logger.Debug().
		Str("conversation_id", session.ID).
		Str("finish_reason", result.FinishReason).
		Msg("chat request completed")
	return nil
}

func (o *Orchestrator) abort(session *Session, metadata EventMetadata, completion string) error {
	o.setStatus(StatusReady)
	o.deps.publishEvent(NewInterruptEvent(metadata, completion))
	o.deps.Logger.Debug().Str("conversation_id", session.ID).Msg("chat request aborted")
	return nil
}

func (o *Orchestrator) fail(
	ctx context.Context,
	session *Session,
	rollback sessionState,
	req *Request,
	metadata EventMetadata,
	err error,
) error {
	if !o.keepOnError {
		rollback.restore(session)
	}

	o.mu.Lock()
	o.status = StatusError
	o.err = err
	o.mu.Unlock()

	o.runOnError(ctx, session, req, err)
	o.deps.publishEvent(NewErrorEvent(metadata, err))
	if o.deps.OnError != nil {
		o.deps.OnError(err)
	}

	o.deps.Logger.Error().Err(err).Str("conversation_id", session.ID).Msg("chat request failed")
	return err
}

// failGraph handles graph-layer rejections outside a network turn.
func (o *Orchestrator) failGraph(err error) error {
	o.mu.Lock()
	o.status = StatusError
	o.err = err
	o.mu.Unlock()
	if o.deps.OnError != nil {
		o.deps.OnError(err)
	}
	return err
}

func (o *Orchestrator) setStatus(status Status) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
}

func (o *Orchestrator) eventMetadata(session *Session, messageID conversation.NodeID) EventMetadata {
	return EventMetadata{
		ConversationID: session.ID,
		MessageID:      messageID,
		Model:          o.model,
	}
}

// sessionState is the rollback snapshot taken before an optimistic update.
// Graph snapshots are immutable, so holding the pointers is enough.
type sessionState struct {
	graph     *conversation.Graph
	branch    conversation.BranchState
	currentID conversation.NodeID
}

func snapshotState(session *Session) sessionState {
	return sessionState{
		graph:     session.Graph,
		branch:    session.Branch.Clone(),
		currentID: session.CurrentID,
	}
}

func (s sessionState) restore(session *Session) {
	session.Graph = s.graph
	session.Branch = s.branch
	session.CurrentID = s.currentID
}
