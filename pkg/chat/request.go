package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/conversation"
)

const (
	StreamProtocolText = "text"
	StreamProtocolData = "data"
)

// OutgoingMessage is the wire shape of one history entry in a chat request.
type OutgoingMessage struct {
	ID          string      `json:"id"`
	Role        string      `json:"role"`
	Content     string      `json:"content"`
	Attachments interface{} `json:"attachments,omitempty"`
}

// RequestOptions carries the branch/retry/continuation modifiers the
// backend understands.
type RequestOptions struct {
	ParentMessageID   string `json:"parentMessageId,omitempty"`
	SkipUserMessage   bool   `json:"skipUserMessage,omitempty"`
	IsBranch          bool   `json:"isBranch,omitempty"`
	PreserveMessageID string `json:"preserveMessageId,omitempty"`
}

// Request is the JSON body of one generation call.
type Request struct {
	Messages       []OutgoingMessage `json:"messages"`
	Model          string            `json:"model,omitempty"`
	ID             string            `json:"id"`
	Stream         bool              `json:"stream"`
	StreamProtocol string            `json:"streamProtocol"`
	Options        *RequestOptions   `json:"options,omitempty"`
	Seed           uint64            `json:"seed,omitempty"`
}

// outgoingMessages serializes a message path for the request body.
// Attachments travel in the message data side channel.
func outgoingMessages(path conversation.Conversation) []OutgoingMessage {
	ret := make([]OutgoingMessage, 0, len(path))
	for _, msg := range path {
		out := OutgoingMessage{
			ID:      msg.ID.String(),
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if msg.Data != nil {
			if attachments, ok := msg.Data["attachments"]; ok {
				out.Attachments = attachments
			}
		}
		ret = append(ret, out)
	}
	return ret
}

// do issues the HTTP call and returns the response body stream. Any
// network failure or non-2xx status is a TransportError.
func (o *Orchestrator) do(ctx context.Context, req *Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, text/plain")
	if req.Seed != 0 {
		httpReq.Header.Set("X-Retry-Seed", strconv.FormatUint(req.Seed, 10))
	}

	resp, err := o.deps.Client.Do(httpReq)
	if err != nil {
		if IsAbort(err) {
			return nil, err
		}
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func(body io.ReadCloser) {
			_ = body.Close()
		}(resp.Body)
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &TransportError{Err: errors.Errorf("unexpected status %d: %s", resp.StatusCode, string(detail))}
	}

	return resp.Body, nil
}
