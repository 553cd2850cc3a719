// Package transport carries the flush protocol between replicas and the
// authority.
//
// The server exposes one Master over HTTP (GET /snapshot, POST /flush) and
// over a websocket (GET /ws) speaking the same request/response pairs as
// JSON frames. Every flush runs apply, history append, cursor update and
// checkpoint under one lock, so the history log always matches the Master.
//
// Clients never retry a flush on their own since a flush is not idempotent.
// A Session puts an undelivered batch back with CancelFlush and leaves the
// retry to its caller.
package transport

import "github.com/daviddao/treesync/pkg/model"

// FlushRequest is the body of POST /flush.
type FlushRequest struct {
	Replica string                `json:"replica,omitempty"`
	Batch   model.CompletionBatch `json:"batch"`
}

// FlushResponse is the authority's answer to one flush.
type FlushResponse struct {
	Sync         model.SyncEnvelope      `json:"sync"`
	Errors       []model.CompletionError `json:"errors,omitempty"`
	CommandCount int64                   `json:"commandCount"`
}

// Frame types on the websocket.
const (
	FrameSnapshot = "snapshot"
	FrameFlush    = "flush"
	FrameError    = "error"
)

// Frame is one websocket message. Requests carry Type, ID and the request
// fields; the reply echoes Type and ID and fills the result fields.
type Frame struct {
	Type     string                 `json:"type"`
	ID       uint64                 `json:"id"`
	Replica  string                 `json:"replica,omitempty"`
	Batch    *model.CompletionBatch `json:"batch,omitempty"`
	Snapshot *model.Snapshot        `json:"snapshot,omitempty"`
	Result   *FlushResponse         `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}
