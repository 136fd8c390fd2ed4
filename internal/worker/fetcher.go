package worker

import (
	"net/http"
	"time"
)

// Fetcher performs a network request.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(req *http.Request) (*http.Response, error) {
	return f(req)
}

// HTTPFetcher fetches with an http.Client and hands redirects back to the
// caller instead of following them.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(req *http.Request) (*http.Response, error) {
	return f.client.Do(req)
}
