package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

type stubGenerator struct {
	mu       sync.Mutex
	lastArgs common.InferenceArgs
	prompts  []string

	result pipeline.GenerationResult
	err    error
}

func (g *stubGenerator) RunWithArgs(ctx context.Context, prompt string, args common.InferenceArgs) (pipeline.GenerationResult, error) {
	g.mu.Lock()
	g.lastArgs = args
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	return g.result, g.err
}

type stubAnswerer struct {
	mu       sync.Mutex
	lastArgs common.InferenceArgs
	sources  []string

	result pipeline.Answer
	err    error
}

func (a *stubAnswerer) AnswerWithArgs(ctx context.Context, source string, question string, args common.InferenceArgs) (pipeline.Answer, error) {
	a.mu.Lock()
	a.lastArgs = args
	a.sources = append(a.sources, source)
	a.mu.Unlock()
	return a.result, a.err
}

// blockingGenerator parks every call until its context dies or release is
// closed, and reports call starts on a buffered channel.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) RunWithArgs(ctx context.Context, prompt string, args common.InferenceArgs) (pipeline.GenerationResult, error) {
	g.started <- struct{}{}
	select {
	case <-ctx.Done():
		return pipeline.GenerationResult{}, ctx.Err()
	case <-g.release:
		return pipeline.GenerationResult{Text: "released"}, nil
	}
}

func newTestServer(generator Generator, answerer Answerer) *Server {
	return New(generator, answerer, Options{
		ModelName: "tiny-test",
		Defaults:  common.NewInferenceArgs(),
	})
}

func postRecorded(t *testing.T, handler http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	handler := newTestServer(&stubGenerator{}, &stubAnswerer{}).Handler()
	request := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	health := decodeBody[healthResponse](t, recorder.Body)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "tiny-test", health.Model)
}

func TestGenerate(t *testing.T) {
	generator := &stubGenerator{result: pipeline.GenerationResult{
		Text:         "hello world",
		TokenCount:   3,
		FinishReason: "stop",
		Duration:     1500 * time.Millisecond,
	}}
	handler := newTestServer(generator, &stubAnswerer{}).Handler()

	recorder := postRecorded(t, handler, "/api/generate", `{"prompt":"greet me"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	response := decodeBody[generateResponse](t, recorder.Body)
	assert.Equal(t, "hello world", response.Output)
	assert.Equal(t, 3, response.TokenCount)
	assert.Equal(t, "stop", response.FinishReason)
	assert.Equal(t, int64(1500), response.DurationMs)
	_, err := uuid.Parse(response.Id)
	assert.NoError(t, err, "response id must be a UUID")
	assert.Equal(t, []string{"greet me"}, generator.prompts)
}

func TestGenerateAppliesOverrides(t *testing.T) {
	generator := &stubGenerator{}
	handler := newTestServer(generator, &stubAnswerer{}).Handler()

	body := `{"prompt":"p","max_new_tokens":5,"temperature":0.9,"top_k":10,"top_p":0.5,"do_sample":true,"seed":7}`
	recorder := postRecorded(t, handler, "/api/generate", body)
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, 5, generator.lastArgs.MaxNewTokens)
	assert.InDelta(t, 0.9, generator.lastArgs.Temperature, 1e-6)
	assert.Equal(t, 10, generator.lastArgs.TopK)
	assert.InDelta(t, 0.5, generator.lastArgs.TopP, 1e-6)
	assert.True(t, generator.lastArgs.DoSample)
	assert.Equal(t, int64(7), generator.lastArgs.Seed)
}

func TestGenerateKeepsDefaultsWhenOmitted(t *testing.T) {
	generator := &stubGenerator{}
	handler := newTestServer(generator, &stubAnswerer{}).Handler()

	recorder := postRecorded(t, handler, "/api/generate", `{"prompt":"p"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, common.NewInferenceArgs(), generator.lastArgs)
}

func TestGenerateValidation(t *testing.T) {
	handler := newTestServer(&stubGenerator{}, &stubAnswerer{}).Handler()

	recorder := postRecorded(t, handler, "/api/generate", `{}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "prompt is required", decodeBody[errorResponse](t, recorder.Body).Error)

	recorder = postRecorded(t, handler, "/api/generate", `{not json`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "invalid request body", decodeBody[errorResponse](t, recorder.Body).Error)
}

func TestGenerateEngineError(t *testing.T) {
	generator := &stubGenerator{err: errors.New("model exploded")}
	handler := newTestServer(generator, &stubAnswerer{}).Handler()

	recorder := postRecorded(t, handler, "/api/generate", `{"prompt":"p"}`)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, "model exploded", decodeBody[errorResponse](t, recorder.Body).Error)
}

func TestAnswer(t *testing.T) {
	answerer := &stubAnswerer{result: pipeline.Answer{
		Answer: "us-001",
		Score:  0.99,
		Start:  8,
		End:    9,
	}}
	handler := newTestServer(&stubGenerator{}, answerer).Handler()

	recorder := postRecorded(t, handler, "/api/answer", `{"document":"invoice text","question":"invoice number?"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	response := decodeBody[answerResponse](t, recorder.Body)
	assert.Equal(t, "us-001", response.Answer)
	assert.InDelta(t, 0.99, response.Score, 1e-9)
	assert.Equal(t, 8, response.Start)
	assert.Equal(t, 9, response.End)
	_, err := uuid.Parse(response.Id)
	assert.NoError(t, err)
	assert.Equal(t, []string{"invoice text"}, answerer.sources)
}

func TestAnswerValidation(t *testing.T) {
	handler := newTestServer(&stubGenerator{}, &stubAnswerer{}).Handler()

	recorder := postRecorded(t, handler, "/api/answer", `{"question":"q"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "document is required", decodeBody[errorResponse](t, recorder.Body).Error)

	recorder = postRecorded(t, handler, "/api/answer", `{"document":"d"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "question is required", decodeBody[errorResponse](t, recorder.Body).Error)
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestServer(&stubGenerator{}, &stubAnswerer{}).Handler()
	request := httptest.NewRequest(http.MethodGet, "/api/generate", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

type generateOutcome struct {
	status int
	body   generateResponse
	errMsg string
}

func postGenerate(serverURL string, sessionId string, prompt string) (generateOutcome, error) {
	payload, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return generateOutcome{}, err
	}
	request, err := http.NewRequest(http.MethodPost, serverURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return generateOutcome{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	if sessionId != "" {
		request.Header.Set(SessionHeader, sessionId)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return generateOutcome{}, err
	}
	defer response.Body.Close()

	outcome := generateOutcome{status: response.StatusCode}
	if response.StatusCode == http.StatusOK {
		err = json.NewDecoder(response.Body).Decode(&outcome.body)
	} else {
		var failure errorResponse
		err = json.NewDecoder(response.Body).Decode(&failure)
		outcome.errMsg = failure.Error
	}
	return outcome, err
}

func TestSessionCancelsPreviousRequest(t *testing.T) {
	generator := &blockingGenerator{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	testServer := httptest.NewServer(newTestServer(generator, &stubAnswerer{}).Handler())
	defer testServer.Close()

	firstCh := make(chan generateOutcome, 1)
	errCh := make(chan error, 2)
	go func() {
		outcome, err := postGenerate(testServer.URL, "session-1", "first")
		if err != nil {
			errCh <- err
			return
		}
		firstCh <- outcome
	}()
	<-generator.started

	secondCh := make(chan generateOutcome, 1)
	go func() {
		outcome, err := postGenerate(testServer.URL, "session-1", "second")
		if err != nil {
			errCh <- err
			return
		}
		secondCh <- outcome
	}()
	<-generator.started

	// The second request entered the generator, so the first one's context
	// is already canceled.
	select {
	case outcome := <-firstCh:
		assert.Equal(t, http.StatusConflict, outcome.status)
		assert.Equal(t, "request canceled", outcome.errMsg)
	case err := <-errCh:
		t.Fatalf("first request failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("first request was not canceled")
	}

	close(generator.release)
	select {
	case outcome := <-secondCh:
		assert.Equal(t, http.StatusOK, outcome.status)
		assert.Equal(t, "released", outcome.body.Output)
	case err := <-errCh:
		t.Fatalf("second request failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second request did not finish")
	}
}

func TestRequestsWithoutSessionRunIndependently(t *testing.T) {
	generator := &blockingGenerator{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	testServer := httptest.NewServer(newTestServer(generator, &stubAnswerer{}).Handler())
	defer testServer.Close()

	outcomes := make(chan generateOutcome, 2)
	errCh := make(chan error, 2)
	for _, prompt := range []string{"first", "second"} {
		prompt := prompt
		go func() {
			outcome, err := postGenerate(testServer.URL, "", prompt)
			if err != nil {
				errCh <- err
				return
			}
			outcomes <- outcome
		}()
	}
	<-generator.started
	<-generator.started
	close(generator.release)

	for i := 0; i < 2; i++ {
		select {
		case outcome := <-outcomes:
			assert.Equal(t, http.StatusOK, outcome.status)
		case err := <-errCh:
			t.Fatalf("request failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("request did not finish")
		}
	}
}
