// Package fetch retrieves JSON documents, and optionally signed JWT bodies,
// from provider endpoints.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"oidcclient/oidcerr"
)

const (
	contentTypeJSON = "application/json"
	contentTypeJWT  = "application/jwt"

	maxBodyBytes = 1 << 20
)

// JWTHandler turns a compact JWT body into claims.
type JWTHandler func(ctx context.Context, raw string) (map[string]any, error)

// Option configures a Client.
type Option func(*Client)

// WithContentTypes adds accepted media types besides application/json.
func WithContentTypes(types ...string) Option {
	return func(c *Client) {
		c.accept = append(c.accept, types...)
	}
}

// WithJWTHandler accepts application/jwt bodies and hands them to h.
func WithJWTHandler(h JWTHandler) Option {
	return func(c *Client) {
		c.jwtHandler = h
		c.accept = append(c.accept, contentTypeJWT)
	}
}

// Client performs GET requests for JSON documents.
type Client struct {
	http       *http.Client
	logger     *slog.Logger
	accept     []string
	jwtHandler JWTHandler
}

// New builds a Client. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{http: httpClient, logger: logger, accept: []string{contentTypeJSON}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJSON fetches url and decodes the body. bearer, when set, is sent as an
// Authorization header. Non-2xx responses and bodies of an unaccepted media
// type fail.
func (c *Client) GetJSON(ctx context.Context, url, bearer string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", strings.Join(c.accept, ", "))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	c.logger.Debug("fetch document", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("fetch document failed", "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	mediaType := contentTypeJSON
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = mt
		}
	}
	if !c.accepts(mediaType) {
		return nil, oidcerr.Protocol("invalid response content type %q from %s", mediaType, url)
	}

	if mediaType == contentTypeJWT && c.jwtHandler != nil {
		return c.jwtHandler(ctx, strings.TrimSpace(string(body)))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, oidcerr.Parse("invalid JSON document from "+url, err)
	}
	return doc, nil
}

func (c *Client) accepts(mediaType string) bool {
	for _, t := range c.accept {
		if strings.EqualFold(t, mediaType) {
			return true
		}
	}
	return false
}
