package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"
)

// DefaultUserAgent is sent with every outbound request unless configured otherwise
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_8_2) p3k/Monocle/0.1.0 AppleWebKit/537.36 (KHTML, like Gecko) Chrome/29.0.1547.57 Safari/537.36"

const maxBodySize = 10 << 20

var (
	fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_fetch_requests_total",
		Help: "Outbound HTTP requests by method and status code",
	}, []string{"method", "status"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedhub_fetch_duration_seconds",
		Help:    "Duration of outbound HTTP requests",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
	}, []string{"method"})
)

type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxRedirects int
}

// Response is a fully read HTTP response. Body is decoded to UTF-8 for HTML documents.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL after redirects
	URL string
}

func (r *Response) ContentType() string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

// StatusError is returned by GET requests that end in a non-2xx response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Client performs outbound requests with a fixed user agent and a per-request timeout
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	maxRedirects := cfg.MaxRedirects

	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
	}
}

// Get returns the body of a successful GET request
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.GetWithHeaders(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// GetWithHeaders returns the body and the response headers of a successful GET request
func (c *Client) GetWithHeaders(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Head issues a HEAD request. Non-2xx statuses are returned, not treated as errors.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	return c.do(req)
}

// PostForm sends a url-encoded form. The caller decides what a non-2xx status means.
func (c *Client) PostForm(ctx context.Context, rawURL string, values url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// PostJSON sends body encoded as JSON
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	fetchDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchRequests.WithLabelValues(req.Method, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	fetchRequests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	log.WithFields(log.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
		"status": resp.StatusCode,
	}).Debug("Fetched")

	var body io.Reader = io.LimitReader(resp.Body, maxBodySize)
	contentType := resp.Header.Get("Content-Type")
	if isHTML(contentType) {
		decoded, err := charset.NewReader(body, contentType)
		if err != nil {
			return nil, fmt.Errorf("error decoding body of %s: %w", req.URL, err)
		}
		body = decoded
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading body of %s: %w", req.URL, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        resp.Request.URL.String(),
	}, nil
}

// XML documents carry their own encoding declaration and are left untouched
func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType == ""
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
