package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

// Registry records the baseline each replica last proved it holds.
type Registry interface {
	TouchReplica(id string, baseline int64) error
}

// Checkpointer persists full snapshots for restart recovery.
type Checkpointer interface {
	SaveCheckpoint(snap model.Snapshot) error
}

// Server serialises all access to one Master.
type Server struct {
	mu             sync.Mutex
	master         *replica.Master
	history        replica.HistoryLog
	registry       Registry
	checkpoints    Checkpointer
	every          int64
	lastCheckpoint int64

	log      log.Interface
	upgrader websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHistoryLog makes the server append every applied batch to h. It should
// be the same log the Master was given with replica.WithHistory.
func WithHistoryLog(h replica.HistoryLog) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithRegistry makes the server track replica cursors in r.
func WithRegistry(r Registry) ServerOption {
	return func(s *Server) { s.registry = r }
}

// WithCheckpoints saves a snapshot to c whenever the Master has moved at
// least every commands past the last one.
func WithCheckpoints(c Checkpointer, every int64) ServerOption {
	return func(s *Server) {
		s.checkpoints = c
		s.every = every
	}
}

// WithServerLogger sets the logger. The default discards everything.
func WithServerLogger(l log.Interface) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer wraps m. The server takes ownership: nothing else may call m.
func NewServer(m *replica.Master, opts ...ServerOption) *Server {
	s := &Server{
		master:         m,
		log:            &log.Logger{Handler: discard.New(), Level: log.InfoLevel},
		lastCheckpoint: m.CommandCount(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the Master's state.
func (s *Server) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master.Snapshot()
}

// Flush applies one batch from replicaID and records the result.
//
// Once the Master has applied a batch it has committed; failures to record
// history, touch the registry or checkpoint are logged, never returned,
// since the replica must still get its sync. Recording runs detached from
// ctx so a caller that gave up cannot leave the history behind the Master.
func (s *Server) Flush(ctx context.Context, replicaID string, batch model.CompletionBatch) FlushResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.master.Apply(ctx, batch)
	logger := s.log.WithFields(log.Fields{
		"replica": replicaID,
		"from":    batch.From,
		"applied": len(res.Applied.Completions),
		"count":   s.master.CommandCount(),
	})

	bg := context.WithoutCancel(ctx)
	if s.history != nil {
		if err := s.history.Append(bg, res.Applied.From, res.Applied.Completions); err != nil {
			logger.WithError(err).Error("history append failed")
			s.restartHistory(bg, logger)
		}
	}
	if s.registry != nil && replicaID != "" {
		if err := s.registry.TouchReplica(replicaID, batch.From); err != nil {
			logger.WithError(err).Warn("replica cursor not updated")
		}
	}
	s.maybeCheckpoint(logger)

	switch res.Sync.(type) {
	case nil:
		logger.Debug("flush accepted")
	case *model.PartialSync:
		logger.WithField("errors", len(res.Errors)).Info("flush answered with partial sync")
	case *model.FullSync:
		logger.WithField("errors", len(res.Errors)).Info("flush answered with full sync")
	}

	return FlushResponse{
		Sync:         model.SyncEnvelope{Sync: res.Sync},
		Errors:       res.Errors,
		CommandCount: s.master.CommandCount(),
	}
}

// historyResetter is a history log that can drop its entries and restart
// at a given count. Both history packages and the SQLite store qualify.
type historyResetter interface {
	Reset(ctx context.Context, at int64) error
}

// restartHistory recovers from a failed append. The log now has a hole, so
// every later append would be refused. The current state is checkpointed
// first and the log then restarts at the Master's count; replicas behind the
// hole get full syncs and everyone else keeps getting partial ones.
func (s *Server) restartHistory(ctx context.Context, logger log.Interface) {
	r, ok := s.history.(historyResetter)
	if !ok {
		logger.Warn("history log cannot restart, later appends will be refused")
		return
	}
	snap := s.master.Snapshot()
	if s.checkpoints != nil {
		if err := s.checkpoints.SaveCheckpoint(snap); err != nil {
			// Without a checkpoint at the new base a restart could not
			// recover the skipped commands, so keep the old log.
			logger.WithError(err).Error("checkpoint before history restart failed")
			return
		}
		s.lastCheckpoint = snap.CommandCount
	}
	if err := r.Reset(ctx, snap.CommandCount); err != nil {
		logger.WithError(err).Error("history restart failed")
		return
	}
	logger.WithField("at", snap.CommandCount).Warn("history restarted")
}

// Checkpoint saves the current state now. Callers use it on shutdown.
func (s *Server) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints == nil {
		return nil
	}
	snap := s.master.Snapshot()
	if err := s.checkpoints.SaveCheckpoint(snap); err != nil {
		return fmt.Errorf("checkpoint %d: %w", snap.CommandCount, err)
	}
	s.lastCheckpoint = snap.CommandCount
	return nil
}

func (s *Server) maybeCheckpoint(logger log.Interface) {
	if s.checkpoints == nil || s.every <= 0 {
		return
	}
	if s.master.CommandCount()-s.lastCheckpoint < s.every {
		return
	}
	snap := s.master.Snapshot()
	if err := s.checkpoints.SaveCheckpoint(snap); err != nil {
		logger.WithError(err).Warn("checkpoint failed")
		return
	}
	s.lastCheckpoint = snap.CommandCount
	logger.Debug("checkpoint saved")
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/flush", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req FlushRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("decode flush: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, s.Flush(r.Context(), req.Replica, req.Batch))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()

	logger := s.log.WithField("remote", r.RemoteAddr)
	logger.Debug("websocket connected")
	for {
		var in Frame
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("websocket read failed")
			} else {
				logger.Debug("websocket closed")
			}
			return
		}
		out := s.serveFrame(r.Context(), in)
		if err := ws.WriteJSON(out); err != nil {
			logger.WithError(err).Warn("websocket write failed")
			return
		}
	}
}

func (s *Server) serveFrame(ctx context.Context, in Frame) Frame {
	out := Frame{Type: in.Type, ID: in.ID}
	switch in.Type {
	case FrameSnapshot:
		snap := s.Snapshot()
		out.Snapshot = &snap
	case FrameFlush:
		if in.Batch == nil {
			out.Type = FrameError
			out.Error = "flush frame without batch"
			return out
		}
		resp := s.Flush(ctx, in.Replica, *in.Batch)
		out.Result = &resp
	default:
		out.Type = FrameError
		out.Error = fmt.Sprintf("unknown frame type %q", in.Type)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
