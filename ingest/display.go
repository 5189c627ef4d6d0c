package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidURL = errors.New("invalid url")

// FriendlyURL strips the scheme and a trailing slash for display
func FriendlyURL(u string) string {
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "https://")
	return strings.TrimSuffix(u, "/")
}

// FriendlyDate renders a UTC time in the zone it was originally published in
func FriendlyDate(t time.Time, offset int) string {
	return t.In(time.FixedZone("", offset)).Format("January 2, 2006 3:04pm -07:00")
}

// NormalizeURL accepts a URL or a bare domain such as "example.com". The
// scheme defaults to http and an empty path becomes "/". Only http and
// https are accepted.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
