// Package server exposes the generation and question answering pipelines
// over a small JSON HTTP API.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

// SessionHeader carries the client's session id. A request with a session id
// cancels the session's previous in-flight request, so an interactive client
// can re-ask without waiting for the stale generation to finish.
const SessionHeader = "X-Session-Id"

const shutdownTimeout = 5 * time.Second

// Generator runs the plain text generation flow.
// *pipeline.TextGeneration implements it.
type Generator interface {
	RunWithArgs(ctx context.Context, prompt string, args common.InferenceArgs) (pipeline.GenerationResult, error)
}

// Answerer runs the document question answering flow.
// *pipeline.QuestionAnswering implements it.
type Answerer interface {
	AnswerWithArgs(ctx context.Context, source string, question string, args common.InferenceArgs) (pipeline.Answer, error)
}

type Options struct {
	ModelName string
	Defaults  common.InferenceArgs
}

type Server struct {
	generator Generator
	answerer  Answerer
	options   Options

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

// sessionEntry tracks the cancellable in-flight request of one session.
type sessionEntry struct {
	requestId string
	cancel    context.CancelFunc
}

func New(generator Generator, answerer Answerer, options Options) *Server {
	return &Server{
		generator: generator,
		answerer:  answerer,
		options:   options,
		sessions:  make(map[string]sessionEntry),
	}
}

// Handler returns the route table, ready for http.Server or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/answer", s.handleAnswer)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return s.withAccessLog(mux)
}

// ListenAndServe serves until ctx is canceled, then drains in-flight
// requests. Request contexts descend from ctx, so shutdown also cancels
// running generations.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	httpServer := &http.Server{
		Addr:        address,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	common.GLogger.ConsolePrintf("Listening on http://%s", address)
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sessionContext derives the request context, canceling the session's
// previous request first. The returned cleanup must run when the request
// finishes; it removes the session entry unless a newer request owns it.
func (s *Server) sessionContext(ctx context.Context, sessionId string, requestId string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if sessionId == "" {
		return ctx, cancel
	}
	s.mu.Lock()
	if previous, ok := s.sessions[sessionId]; ok {
		previous.cancel()
	}
	s.sessions[sessionId] = sessionEntry{requestId: requestId, cancel: cancel}
	s.mu.Unlock()
	return ctx, func() {
		cancel()
		s.mu.Lock()
		if current, ok := s.sessions[sessionId]; ok && current.requestId == requestId {
			delete(s.sessions, sessionId)
		}
		s.mu.Unlock()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		common.GLogger.DebugPrintf("%s %s %d %s", r.Method, r.URL.Path, recorder.status,
			time.Since(startTime).Round(time.Millisecond))
	})
}
