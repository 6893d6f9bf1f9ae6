package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/draftkit"
	"github.com/darkostanimirovic/draftkit/stream"
)

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversations over HTTP with server-sent events",
		Long: `Serve the draft agent over HTTP.

  POST   /conversations                 start a run (SSE)
  POST   /conversations/{id}/resume     revise the draft (SSE)
  POST   /conversations/{id}/recover    continue a failed run (SSE)
  GET    /conversations/{id}            dialogue state
  GET    /conversations/{id}/history    checkpoints
  DELETE /conversations/{id}/run        abort the active run
  GET    /health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if listen == "" {
					listen = a.listen
				}
				return serve(ctx, listen, newServer(a.session, a.logger))
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, addr string, s *server) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: time.Minute,
		// No WriteTimeout: event streams last as long as the run.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

type server struct {
	session *draftkit.Session
	logger  *slog.Logger
	started time.Time
}

func newServer(session *draftkit.Session, logger *slog.Logger) *server {
	return &server{session: session, logger: logger, started: time.Now()}
}

func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/conversations", s.handleStart).Methods("POST")
	router.HandleFunc("/conversations/{id}", s.handleState).Methods("GET")
	router.HandleFunc("/conversations/{id}/history", s.handleHistory).Methods("GET")
	router.HandleFunc("/conversations/{id}/resume", s.handleResume).Methods("POST")
	router.HandleFunc("/conversations/{id}/recover", s.handleRecover).Methods("POST")
	router.HandleFunc("/conversations/{id}/run", s.handleAbort).Methods("DELETE")
	return router
}

type startBody struct {
	UserID         string `json:"user_id"`
	ThreadID       string `json:"thread_id"`
	AccountID      string `json:"account_id"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
}

type resumeBody struct {
	Message string `json:"message"`
}

type checkpointView struct {
	Sequence  int64     `json:"sequence"`
	Step      string    `json:"step"`
	Next      string    `json:"next,omitempty"`
	Mode      string    `json:"mode"`
	RunID     string    `json:"run_id"`
	Draft     string    `json:"draft,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      version,
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"capabilities": s.session.Capabilities(),
	})
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", draftkit.ErrInvalidRequest, err))
		return
	}
	sink := &lazySSE{w: w}
	_, err := s.session.Start(r.Context(), draftkit.StartRequest{
		UserID:         body.UserID,
		ThreadID:       body.ThreadID,
		AccountID:      body.AccountID,
		Prompt:         body.Prompt,
		ConversationID: body.ConversationID,
	}, sink)
	s.finish(w, sink, err)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", draftkit.ErrInvalidRequest, err))
		return
	}
	sink := &lazySSE{w: w}
	_, err := s.session.Resume(r.Context(), mux.Vars(r)["id"], body.Message, sink)
	s.finish(w, sink, err)
}

func (s *server) handleRecover(w http.ResponseWriter, r *http.Request) {
	sink := &lazySSE{w: w}
	_, err := s.session.Recover(r.Context(), mux.Vars(r)["id"], sink)
	s.finish(w, sink, err)
}

// finish answers errors that happened before the first event as plain JSON.
// Once the stream is open, failures were already delivered as error events.
func (s *server) finish(w http.ResponseWriter, sink *lazySSE, err error) {
	if sink.opened() {
		if werr := sink.Err(); werr != nil {
			s.logger.Warn("Event stream interrupted", "error", werr)
		}
		return
	}
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, err)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.session.GetState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.session.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]checkpointView, len(history))
	for i, cp := range history {
		out[i] = checkpointView{
			Sequence:  cp.Sequence,
			Step:      cp.Step,
			Next:      cp.Next,
			Mode:      string(cp.Mode),
			RunID:     cp.RunID,
			Draft:     cp.State.Draft,
			CreatedAt: cp.CreatedAt,
			UpdatedAt: cp.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !s.session.Abort(mux.Vars(r)["id"]) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"code":    "no_active_run",
			"message": "conversation has no active run",
		})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, draftkit.ErrRunInProgress), errors.Is(err, draftkit.ErrNothingToRecover):
		return http.StatusConflict
	}
	switch draftkit.ErrorCode(err) {
	case draftkit.CodeInvalidRequest:
		return http.StatusBadRequest
	case draftkit.CodeConversationNotFound:
		return http.StatusNotFound
	case draftkit.CodeContextUnavailable:
		return http.StatusBadGateway
	case draftkit.CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"code":    draftkit.ErrorCode(err),
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// lazySSE opens the event stream on the first event, so requests rejected
// before the run starts still get a regular status code.
type lazySSE struct {
	w   http.ResponseWriter
	mu  sync.Mutex
	sse *stream.SSEWriter
	err error
}

func (l *lazySSE) Send(ev stream.Event) {
	l.mu.Lock()
	if l.sse == nil && l.err == nil {
		l.sse, l.err = stream.NewSSEWriter(l.w)
	}
	sse := l.sse
	l.mu.Unlock()
	if sse != nil {
		sse.Send(ev)
	}
}

func (l *lazySSE) opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sse != nil || l.err != nil
}

func (l *lazySSE) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return l.sse.Err()
}
