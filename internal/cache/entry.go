// Package cache stores HTTP responses for the offline edge. Responses live in
// named generations; a generation is created on first use and dropped as a
// whole when the edge activates a newer one.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNoGeneration = errors.New("cache generation does not exist")
	ErrClosed       = errors.New("cache storage is closed")
)

// Storage is the set of cache generations.
type Storage interface {
	// Open returns the generation called name, creating it if needed.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	Keys() ([]string, error)
	// Delete drops a generation and every entry in it.
	Delete(name string) (bool, error)
}

// Cache is one generation.
type Cache interface {
	Match(key string) (*Entry, bool, error)
	Put(entry *Entry) error
	Delete(key string) (bool, error)
}

// Entry is a stored response.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key is the cache key for u: the full URL without its fragment.
func Key(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// Capture reads resp into an Entry and leaves resp.Body readable again.
func Capture(key string, resp *http.Response) (*Entry, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Type") == "" && len(body) > 0 {
		header.Set("Content-Type", mimetype.Detect(body).String())
	}

	return &Entry{
		URL:      key,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response rebuilds an http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}
