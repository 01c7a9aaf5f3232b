package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/text/unicode/norm"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultCacheTTL     = 5 * time.Minute
	defaultMaxBodyBytes = 8 << 20
)

// Document is a resolved question answering source. Words is the index
// space answer spans address: Answer.Start and Answer.End point into it.
type Document struct {
	Id     string
	Source string
	Text   string
	Words  []string
}

type FetcherOptions struct {
	Timeout      time.Duration
	CacheTTL     time.Duration
	MaxBodyBytes int64
}

// Fetcher resolves document sources to Documents. A source is tried as an
// http(s) URL first, then as a local file path; anything else is taken as
// the document text itself. Resolved documents are cached with a TTL, so
// repeated questions against the same source skip the download and keep
// the same document id (and with it the built index).
type Fetcher struct {
	client       *http.Client
	cache        *ttlcache.Cache[string, *Document]
	maxBodyBytes int64
}

func NewFetcher(options FetcherOptions) *Fetcher {
	if options.Timeout <= 0 {
		options.Timeout = defaultFetchTimeout
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = defaultCacheTTL
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = defaultMaxBodyBytes
	}
	cache := ttlcache.New[string, *Document](
		ttlcache.WithTTL[string, *Document](options.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Document](),
	)
	go cache.Start()
	return &Fetcher{
		client:       &http.Client{Timeout: options.Timeout},
		cache:        cache,
		maxBodyBytes: options.MaxBodyBytes,
	}
}

// Close stops the cache expiration loop.
func (f *Fetcher) Close() {
	f.cache.Stop()
}

func (f *Fetcher) Fetch(ctx context.Context, source string) (*Document, error) {
	if item := f.cache.Get(source); item != nil {
		return item.Value(), nil
	}
	document, err := f.resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	f.cache.Set(source, document, ttlcache.DefaultTTL)
	return document, nil
}

func (f *Fetcher) resolve(ctx context.Context, source string) (*Document, error) {
	switch {
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		text, err := f.fetchURL(ctx, source)
		if err != nil {
			return nil, err
		}
		return newDocument(source, text)
	case isLocalFile(source):
		text, err := f.readFile(source)
		if err != nil {
			return nil, err
		}
		return newDocument(source, text)
	default:
		return newDocument("inline", source)
	}
}

func (f *Fetcher) fetchURL(ctx context.Context, source string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	response, err := f.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %s", source, response.Status)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, f.maxBodyBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return "", fmt.Errorf("fetching %s: body exceeds %d bytes", source, f.maxBodyBytes)
	}
	common.GLogger.DebugPrintf("Fetched %d bytes from %s", len(body), source)
	return string(body), nil
}

func (f *Fetcher) readFile(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", source, err)
	}
	if info.Size() > f.maxBodyBytes {
		return "", fmt.Errorf("reading %s: file exceeds %d bytes", source, f.maxBodyBytes)
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", source, err)
	}
	return string(content), nil
}

// A source that exists on disk is a file, everything without a scheme that
// doesn't is inline text.
func isLocalFile(source string) bool {
	info, err := os.Stat(source)
	return err == nil && !info.IsDir()
}

func newDocument(source string, text string) (*Document, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("document from %s is not valid UTF-8", source)
	}
	text = norm.NFC.String(text)
	return &Document{
		Id:     uuid.New().String(),
		Source: source,
		Text:   text,
		Words:  strings.Fields(text),
	}, nil
}
