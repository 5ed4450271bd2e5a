package warstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchError is a network or HTTP level failure fetching a server's status.
type FetchError struct {
	Server string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Server, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Server, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a structural failure: the endpoint answered but the payload
// is not a usable status document.
type ParseError struct {
	Server string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Server, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Document is the wire format served by the status endpoint.
type Document struct {
	Realms map[string]DocumentRealm `json:"realms"`
}

type DocumentRealm struct {
	Buildings []DocumentBuilding `json:"buildings"`
	Relics    []string           `json:"relics"`
	Gems      []string           `json:"gems"`
}

type DocumentBuilding struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// Fetcher retrieves the raw status document for one server.
type Fetcher interface {
	Fetch(ctx context.Context, server string) (*Document, error)
}

// HTTPFetcher GETs base_url/<server> and decodes the JSON body.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, server string) (*Document, error) {
	u := f.baseURL + "/" + url.PathEscape(server)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Server: server, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Server: server, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Server: server, Status: resp.StatusCode}
	}

	var doc Document
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Server: server, Err: err}
	}
	return &doc, nil
}
