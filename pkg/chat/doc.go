// Package chat orchestrates generation requests against a streaming chat
// backend: it turns the session's active message path into a request body,
// decodes the response stream into the conversation graph, and implements
// stop, retry-as-branch and continue-in-place on top of it.
//
// The Orchestrator holds no conversation state of its own; all state lives
// in the Session it is handed, which makes rollback a matter of restoring
// the pre-request snapshot.
package chat
