package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgerelay/internal/pack"
	"edgerelay/internal/version"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxReplyBytes      = 4 << 20
)

// HTTPClient posts packed envelopes. A non-empty response body is a
// return-routed reply envelope.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{client: client}
}

func (c *HTTPClient) Post(ctx context.Context, endpoint string, envelope []byte) ([]byte, error) {
	target, err := HTTPURL(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", pack.MediaTypeEnvelope)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read reply: %v", ErrDeliveryFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrDeliveryFailed, target, resp.StatusCode)
	}
	if !pack.IsEnvelope(body) {
		return nil, nil
	}
	return body, nil
}

// HTTPURL rewrites ws(s) endpoints to http(s).
func HTTPURL(endpoint string) (string, error) {
	return rewriteScheme(endpoint, map[string]string{"ws": "http", "wss": "https", "http": "http", "https": "https"})
}

// WebSocketURL rewrites http(s) endpoints to ws(s).
func WebSocketURL(endpoint string) (string, error) {
	return rewriteScheme(endpoint, map[string]string{"http": "ws", "https": "wss", "ws": "ws", "wss": "wss"})
}

func rewriteScheme(endpoint string, schemes map[string]string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", ErrNoEndpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoEndpoint, err)
	}
	scheme, ok := schemes[strings.ToLower(parsed.Scheme)]
	if !ok || parsed.Host == "" {
		return "", fmt.Errorf("%w: unsupported endpoint %q", ErrNoEndpoint, endpoint)
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
