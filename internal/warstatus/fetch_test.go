package warstatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPFetcherDecodesDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mars" {
			t.Errorf("path = %q, want /mars", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"realms":{"kador":{"buildings":[{"name":"Fort A","owner":"red"}],"relics":["red"],"gems":[]}}}`))
	}))
	defer srv.Close()

	doc, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background(), "mars")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	realm, ok := doc.Realms["kador"]
	if !ok || len(realm.Buildings) != 1 || realm.Buildings[0].Owner != "red" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestHTTPFetcherNon200IsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background(), "mars")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", fe.Status)
	}
}

func TestHTTPFetcherBadBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background(), "mars")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestHTTPFetcherConnectionRefusedIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewHTTPFetcher(srv.URL, time.Second).Fetch(context.Background(), "mars")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
}
