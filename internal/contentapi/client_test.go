package contentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFindPageSendsLookupQueryAndDecodesFirstResult(t *testing.T) {
	var capturedCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/rest/api/content" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		capturedCookie = r.Header.Get("Cookie")
		q := r.URL.Query()
		if q.Get("spaceKey") != "DOCS" || q.Get("title") != "Design" {
			t.Fatalf("unexpected lookup query: %s", r.URL.RawQuery)
		}
		if q.Get("expand") != "space,body.view,version,container" {
			t.Fatalf("unexpected expand parameter %q", q.Get("expand"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"size":2,"results":[{"id":"4711","title":"Design","version":{"number":3}},{"id":"4712","title":"Design","version":{"number":9}}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL + "/", Cookie: "JSESSIONID=abc", HTTPClient: server.Client()})
	lookup, err := client.FindPage(context.Background(), "DOCS", "Design")
	if err != nil {
		t.Fatalf("find page failed: %v", err)
	}
	if !lookup.Found || lookup.ID != 4711 || lookup.Version != 3 {
		t.Fatalf("expected first result 4711@3, got %+v", lookup)
	}
	if capturedCookie != "JSESSIONID=abc" {
		t.Fatalf("expected cookie header, got %q", capturedCookie)
	}
}

func TestFindPageReturnsNotFoundOnEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"size":0,"results":[]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	lookup, err := client.FindPage(context.Background(), "DOCS", "Missing")
	if err != nil {
		t.Fatalf("find page failed: %v", err)
	}
	if lookup.Found {
		t.Fatalf("expected not found, got %+v", lookup)
	}
}

func TestFindPageRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"size":1,"results":[{"id":12,"version":{"number":1}}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Options{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		MaxRetries: 2,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	lookup, err := client.FindPage(context.Background(), "DOCS", "Root")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if lookup.ID != 12 {
		t.Fatalf("expected numeric id 12 to decode, got %+v", lookup)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestCreatePageSendsExpectedRequest(t *testing.T) {
	var capturedHeaders http.Header
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/content" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		capturedHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL, Cookie: "seraph=1", UserAgent: "pagesync-test", HTTPClient: server.Client()})
	err := client.CreatePage(context.Background(), CreateRequest{
		Space:      "DOCS",
		AncestorID: 100,
		Title:      "Proj",
		Body:       ContainerBody("Proj"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for header, want := range map[string]string{
		"Cookie":                 "seraph=1",
		"Content-Type":           "application/json",
		"User-Agent":             "pagesync-test",
		"X-Content-Type-Options": "nosniff",
		"X-Atlassian-Token":      "no-check",
	} {
		if got := capturedHeaders.Get(header); got != want {
			t.Fatalf("expected %s=%q, got %q", header, want, got)
		}
	}
	if capturedBody["type"] != "page" || capturedBody["status"] != "current" || capturedBody["title"] != "Proj" {
		t.Fatalf("unexpected create body: %+v", capturedBody)
	}
	space, _ := capturedBody["space"].(map[string]any)
	if space["key"] != "DOCS" {
		t.Fatalf("expected space key DOCS, got %+v", capturedBody["space"])
	}
	ancestors, _ := capturedBody["ancestors"].([]any)
	if len(ancestors) != 1 || ancestors[0].(map[string]any)["id"] != "100" {
		t.Fatalf("expected single ancestor 100, got %+v", capturedBody["ancestors"])
	}
	storage := capturedBody["body"].(map[string]any)["storage"].(map[string]any)
	if storage["representation"] != "storage" || !strings.Contains(storage["value"].(string), "pagetree") {
		t.Fatalf("unexpected storage body: %+v", storage)
	}
	if _, ok := capturedBody["version"]; ok {
		t.Fatalf("create must not carry a version, got %+v", capturedBody["version"])
	}
}

func TestCreatePageDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"statusCode":502,"message":"upstream down"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL, HTTPClient: server.Client(), MaxRetries: 3, BaseDelay: time.Millisecond})
	err := client.CreatePage(context.Background(), CreateRequest{Space: "DOCS", AncestorID: 1, Title: "A", Body: "x"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway || httpErr.Message != "upstream down" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
	if !strings.Contains(httpErr.Body, "upstream down") {
		t.Fatalf("expected response body to be kept, got %q", httpErr.Body)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single create attempt, got %d", atomic.LoadInt32(&calls))
	}
}

func TestUpdatePageSubmitsNextVersion(t *testing.T) {
	var capturedPath string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	err := client.UpdatePage(context.Background(), UpdateRequest{
		Space:          "DOCS",
		AncestorID:     55,
		PageID:         777,
		CurrentVersion: 3,
		Title:          "Design",
		Body:           ContentBody("<h1>x</h1>"),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if capturedPath != "/rest/api/content/777" {
		t.Fatalf("expected update path for page 777, got %s", capturedPath)
	}
	version, _ := capturedBody["version"].(map[string]any)
	if version["number"] != float64(4) {
		t.Fatalf("expected submitted version 4, got %+v", capturedBody["version"])
	}
}

func TestUpdatePageReportsConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"statusCode":409,"message":"Version must be incremented"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	err := client.UpdatePage(context.Background(), UpdateRequest{Space: "DOCS", AncestorID: 1, PageID: 9, CurrentVersion: 1, Title: "A"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.SubmittedVersion != 2 {
		t.Fatalf("expected conflict for version 2, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict to unwrap to the http failure, got %v", err)
	}
}

func TestOperationTimeoutIsDistinctFromHTTPFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(Options{BaseURL: server.URL, HTTPClient: server.Client(), OperationTimeout: 30 * time.Millisecond})
	_, err := client.FindPage(context.Background(), "DOCS", "Slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		t.Fatalf("timeout must not be reported as an http failure: %v", err)
	}
}

func TestCallerCancellationIsNotReportedAsTimeout(t *testing.T) {
	client := NewHTTPClient(Options{BaseURL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.CreatePage(ctx, CreateRequest{Space: "DOCS", AncestorID: 1, Title: "A"})
	if err == nil {
		t.Fatalf("expected error for canceled context")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("expected cancellation, got timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPageIDDecodesStringAndNumber(t *testing.T) {
	var out struct {
		A PageID `json:"a"`
		B PageID `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"42","b":43}`), &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.A != 42 || out.B != 43 {
		t.Fatalf("expected 42 and 43, got %+v", out)
	}
	if err := json.Unmarshal([]byte(`{"a":"x1"}`), &out); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}
