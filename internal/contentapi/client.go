package contentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrTimeout         = errors.New("remote operation timed out")
)

// HTTPError is returned for every non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// ConflictError reports an update rejected because the page moved past
// the version the caller based its edit on.
type ConflictError struct {
	PageID           PageID
	SubmittedVersion int
	HTTP             *HTTPError
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict updating page %s to version %d", e.PageID, e.SubmittedVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func (e *ConflictError) Unwrap() error {
	if e.HTTP == nil {
		return nil
	}
	return e.HTTP
}

// TimeoutError is returned when a single remote operation exceeds its
// deadline. It is distinct from HTTPError: the service never answered.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Client is the remote surface the synchronizer depends on.
type Client interface {
	FindPage(ctx context.Context, space, title string) (Lookup, error)
	CreatePage(ctx context.Context, req CreateRequest) error
	UpdatePage(ctx context.Context, req UpdateRequest) error
}

type Options struct {
	BaseURL          string
	Cookie           string
	UserAgent        string
	HTTPClient       *http.Client
	OperationTimeout time.Duration
	// MaxRetries bounds retries of page lookups on 429, 5xx and transport
	// errors. Writes are never retried.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL          string
	cookie           string
	userAgent        string
	httpClient       *http.Client
	operationTimeout time.Duration
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
}

const contentPath = "/rest/api/content"

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "pagesync/1.0"
	}
	operationTimeout := opts.OperationTimeout
	if operationTimeout <= 0 {
		operationTimeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:          baseURL,
		cookie:           strings.TrimSpace(opts.Cookie),
		userAgent:        userAgent,
		httpClient:       httpClient,
		operationTimeout: operationTimeout,
		maxRetries:       maxRetries,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
	}
}

func (c *HTTPClient) FindPage(ctx context.Context, space, title string) (Lookup, error) {
	q := url.Values{}
	q.Set("spaceKey", space)
	q.Set("title", title)
	q.Set("expand", "space,body.view,version,container")

	opCtx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	var out searchResponse
	err := c.doJSON(opCtx, http.MethodGet, contentPath+"?"+q.Encode(), nil, &out, c.maxRetries)
	if err != nil {
		return NotFound, c.classify(ctx, opCtx, "find page "+strconv.Quote(title), err)
	}
	for _, result := range out.Results {
		if result.Title != "" && result.Title != title {
			continue
		}
		return Lookup{ID: result.ID, Version: result.Version.Number, Found: true}, nil
	}
	return NotFound, nil
}

func (c *HTTPClient) CreatePage(ctx context.Context, req CreateRequest) error {
	payload := newPagePayload(req.Space, req.AncestorID, req.Title, req.Body)

	opCtx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	if err := c.doJSON(opCtx, http.MethodPost, contentPath, payload, nil, 0); err != nil {
		return c.classify(ctx, opCtx, "create page "+strconv.Quote(req.Title), err)
	}
	return nil
}

func (c *HTTPClient) UpdatePage(ctx context.Context, req UpdateRequest) error {
	payload := newPagePayload(req.Space, req.AncestorID, req.Title, req.Body)
	nextVersion := req.CurrentVersion + 1
	payload.Version = &versionRef{Number: nextVersion}

	opCtx, cancel := context.WithTimeout(ctx, c.operationTimeout)
	defer cancel()

	err := c.doJSON(opCtx, http.MethodPut, contentPath+"/"+url.PathEscape(req.PageID.String()), payload, nil, 0)
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		return &ConflictError{PageID: req.PageID, SubmittedVersion: nextVersion, HTTP: httpErr}
	}
	return c.classify(ctx, opCtx, "update page "+strconv.Quote(req.Title), err)
}

// classify turns an expired per-operation deadline into a TimeoutError.
// Cancellation of the caller's own context is passed through unchanged.
func (c *HTTPClient) classify(parent, opCtx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return err
	}
	timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
	if !timedOut {
		var netErr net.Error
		timedOut = errors.As(err, &netErr) && netErr.Timeout()
	}
	if timedOut {
		return &TimeoutError{Op: op, Timeout: c.operationTimeout}
	}
	return err
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	maxRetries int,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.cookie != "" {
			req.Header.Set("Cookie", c.cookie)
		}
		if method != http.MethodGet {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", c.userAgent)
			req.Header.Set("X-Content-Type-Options", "nosniff")
			req.Header.Set("X-Atlassian-Token", "no-check")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(errPayload.Message),
			Body:       strings.TrimSpace(string(payloadBytes)),
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
