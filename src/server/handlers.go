package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
)

const maxRequestBodyBytes = 1 << 20

// generationOverrides are the per-request knobs layered over the server's
// default inference arguments. Absent fields keep the default.
type generationOverrides struct {
	MaxNewTokens *int     `json:"max_new_tokens"`
	Temperature  *float32 `json:"temperature"`
	TopK         *int     `json:"top_k"`
	TopP         *float32 `json:"top_p"`
	DoSample     *bool    `json:"do_sample"`
	Seed         *int64   `json:"seed"`
}

func (o generationOverrides) apply(args common.InferenceArgs) common.InferenceArgs {
	if o.MaxNewTokens != nil {
		args.MaxNewTokens = *o.MaxNewTokens
	}
	if o.Temperature != nil {
		args.Temperature = *o.Temperature
	}
	if o.TopK != nil {
		args.TopK = *o.TopK
	}
	if o.TopP != nil {
		args.TopP = *o.TopP
	}
	if o.DoSample != nil {
		args.DoSample = *o.DoSample
	}
	if o.Seed != nil {
		args.Seed = *o.Seed
	}
	return args
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	generationOverrides
}

type generateResponse struct {
	Id           string `json:"id"`
	Output       string `json:"output"`
	TokenCount   int    `json:"token_count"`
	FinishReason string `json:"finish_reason"`
	DurationMs   int64  `json:"duration_ms"`
}

type answerRequest struct {
	Document string `json:"document"`
	Question string `json:"question"`
	generationOverrides
}

type answerResponse struct {
	Id         string  `json:"id"`
	Answer     string  `json:"answer"`
	Score      float64 `json:"score"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	DurationMs int64   `json:"duration_ms"`
}

type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var request generateRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	if request.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	requestId := uuid.New().String()
	ctx, done := s.sessionContext(r.Context(), r.Header.Get(SessionHeader), requestId)
	defer done()

	result, err := s.generator.RunWithArgs(ctx, request.Prompt, request.apply(s.options.Defaults))
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Id:           requestId,
		Output:       result.Text,
		TokenCount:   result.TokenCount,
		FinishReason: result.FinishReason,
		DurationMs:   result.Duration.Milliseconds(),
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var request answerRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	if request.Document == "" {
		writeError(w, http.StatusBadRequest, "document is required")
		return
	}
	if request.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	requestId := uuid.New().String()
	ctx, done := s.sessionContext(r.Context(), r.Header.Get(SessionHeader), requestId)
	defer done()

	startTime := time.Now()
	answer, err := s.answerer.AnswerWithArgs(ctx, request.Document, request.Question, request.apply(s.options.Defaults))
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{
		Id:         requestId,
		Answer:     answer.Answer,
		Score:      answer.Score,
		Start:      answer.Start,
		End:        answer.End,
		DurationMs: time.Since(startTime).Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Model: s.options.ModelName})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeGenerationError maps a pipeline error to a status code. A canceled
// context means the request was superseded within its session (or the
// client went away), which is the caller's doing, not a server fault.
func writeGenerationError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		writeError(w, http.StatusConflict, "request canceled")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		common.GLogger.DebugPrintf("writing response: %s", err)
	}
}
