package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchURL(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, "alpha beta gamma")
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	document, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, server.URL, document.Source)
	assert.Equal(t, "alpha beta gamma", document.Text)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, document.Words)
	assert.NotEmpty(t, document.Id)

	again, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, document.Id, again.Id, "cached fetch must keep the document id")
	assert.Equal(t, int32(1), requests.Load(), "cached fetch must not hit the server again")
}

func TestFetchURLStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestFetchURLBodyCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this body is far longer than the configured cap")
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{MaxBodyBytes: 16})
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")
}

func TestFetchLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("one two three"), 0o644))

	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	document, err := fetcher.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, document.Source)
	assert.Equal(t, []string{"one", "two", "three"}, document.Words)
}

func TestFetchLocalFileSizeCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	fetcher := NewFetcher(FetcherOptions{MaxBodyBytes: 8})
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 8 bytes")
}

func TestFetchInlineText(t *testing.T) {
	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	document, err := fetcher.Fetch(context.Background(), "just some words, no file behind them")
	require.NoError(t, err)
	assert.Equal(t, "inline", document.Source)
	assert.Equal(t, "just some words, no file behind them", document.Text)
	assert.Len(t, document.Words, 7)
}

func TestFetchNormalizesToNFC(t *testing.T) {
	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	// 'e' followed by a combining acute accent composes to a single rune.
	document, err := fetcher.Fetch(context.Background(), "café opened")
	require.NoError(t, err)
	assert.Equal(t, "café opened", document.Text)
	assert.Equal(t, "café", document.Words[0])
}

func TestFetchRejectsInvalidUTF8(t *testing.T) {
	fetcher := NewFetcher(FetcherOptions{})
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), string([]byte{0x66, 0xff, 0xfe}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid UTF-8")
}
