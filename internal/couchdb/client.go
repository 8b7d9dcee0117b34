package couchdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/couchmirror/internal/mirror"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Reason     string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("couchdb http %d %s: %s", e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("couchdb http %d: %s", e.StatusCode, e.Reason)
}

type Options struct {
	Username   string
	Password   string
	HTTPClient *http.Client
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
	// Heartbeat is the idle keep-alive interval requested from the change feed.
	Heartbeat time.Duration
	// FeedRetryDelay is the pause before the change feed reconnects.
	FeedRetryDelay time.Duration
	MaxRetries     int
	Logger         zerolog.Logger
}

// Client talks to one database of a CouchDB-compatible server.
type Client struct {
	baseURL        string
	database       string
	username       string
	password       string
	httpClient     *http.Client
	requestTimeout time.Duration
	heartbeat      time.Duration
	feedRetryDelay time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	log            zerolog.Logger
}

func NewClient(baseURL, database string, opts Options) (*Client, error) {
	database = strings.TrimSpace(database)
	if database == "" {
		return nil, fmt.Errorf("%w: database name is required", mirror.ErrInvalidInput)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5984"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: couchdb url: %v", mirror.ErrInvalidInput, err)
	}
	username, password := opts.Username, opts.Password
	if parsed.User != nil {
		if username == "" {
			username = parsed.User.Username()
		}
		if password == "" {
			password, _ = parsed.User.Password()
		}
		parsed.User = nil
		baseURL = strings.TrimRight(parsed.String(), "/")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: the dump and the change feed are long-lived.
		httpClient = &http.Client{}
	}
	c := &Client{
		baseURL:        baseURL,
		database:       database,
		username:       username,
		password:       password,
		httpClient:     httpClient,
		requestTimeout: opts.RequestTimeout,
		heartbeat:      opts.Heartbeat,
		feedRetryDelay: opts.FeedRetryDelay,
		maxRetries:     opts.MaxRetries,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
		log:            opts.Logger,
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 15 * time.Second
	}
	if c.heartbeat <= 0 {
		c.heartbeat = 30 * time.Second
	}
	if c.feedRetryDelay <= 0 {
		c.feedRetryDelay = 5 * time.Second
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = 3
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	return c, nil
}

func (c *Client) Database() string {
	return c.database
}

type databaseInfo struct {
	DBName    string          `json:"db_name"`
	DocCount  int64           `json:"doc_count"`
	UpdateSeq json.RawMessage `json:"update_seq"`
}

func (c *Client) Info(ctx context.Context) (mirror.SourceInfo, error) {
	var out databaseInfo
	err := c.doJSON(ctx, http.MethodGet, c.databasePath(""), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return mirror.SourceInfo{}, fmt.Errorf("database %s: %w: %w", c.database, mirror.ErrSourceNotFound, err)
		}
		return mirror.SourceInfo{}, err
	}
	return mirror.SourceInfo{
		Database:  out.DBName,
		DocCount:  out.DocCount,
		UpdateSeq: seqString(out.UpdateSeq),
	}, nil
}

// CreateDatabase creates the database with a single shard and a single
// replica. An already existing database is not an error.
func (c *Client) CreateDatabase(ctx context.Context) error {
	q := url.Values{}
	q.Set("q", "1")
	q.Set("n", "1")
	err := c.doJSON(ctx, http.MethodPut, c.databasePath("")+"?"+q.Encode(), nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return err
}

// BulkDump streams every document of the database. The caller closes the
// returned body.
func (c *Client) BulkDump(ctx context.Context) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("include_docs", "true")
	resp, err := c.stream(ctx, c.databasePath("_all_docs")+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) databasePath(suffix string) string {
	path := "/" + url.PathEscape(c.database)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *Client) newRequest(ctx context.Context, method, requestPath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// stream issues a GET and returns the open response on a 2xx status.
func (c *Client) stream(ctx context.Context, requestPath string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, requestPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, newHTTPError(resp.StatusCode, payload)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
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
		status, payload, header, err := c.roundTrip(ctx, method, requestPath, bodyReader)
		if err != nil {
			if errors.Is(err, mirror.ErrConnRefused) || ctx.Err() != nil {
				return err
			}
			if attempt < c.maxRetries {
				if waitErr := mirror.Sleep(ctx, c.backoffFor(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		if status >= 200 && status <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (status == http.StatusTooManyRequests || (status >= 500 && status <= 599)) && attempt < c.maxRetries {
			if waitErr := mirror.Sleep(ctx, c.backoffFor(attempt+1, header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return newHTTPError(status, payload)
	}
}

func (c *Client) roundTrip(ctx context.Context, method, requestPath string, body io.Reader) (int, []byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, method, requestPath, body)
	if err != nil {
		return 0, nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, payload, resp.Header, nil
}

func newHTTPError(status int, payload []byte) error {
	var errPayload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: status,
		Code:       errPayload.Error,
		Reason:     errPayload.Reason,
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, unix.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", mirror.ErrConnRefused, err)
	}
	return err
}

// seqString renders a sequence token, which is a string on CouchDB 2+ and a
// number on 1.x.
func seqString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// backoffFor returns the pause before retry n. A Retry-After hint from the
// server replaces the doubling schedule; both are capped at maxDelay.
func (c *Client) backoffFor(attempt int, retryAfter string) time.Duration {
	if hint := retryAfterDelay(retryAfter, time.Now()); hint > 0 {
		return min(hint, c.maxDelay)
	}
	shift := min(max(attempt, 1)-1, 16)
	return min(c.baseDelay<<shift, c.maxDelay)
}

// retryAfterDelay accepts both Retry-After forms: delta seconds and an HTTP
// date.
func retryAfterDelay(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
