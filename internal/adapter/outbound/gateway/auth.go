// Package gateway talks to the Dinstar SMS gateway HTTP API, including its
// two-request digest authentication handshake.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/digest"
)

// AuthMethod is the method the authorization header is computed for.
const AuthMethod = http.MethodPost

// DigestAuthClient obtains digest challenges and builds Authorization
// headers for authenticated POST requests.
//
// The challenge is always probed with a bodiless GET. The gateway closes the
// connection without answering a POST probe that has an empty body.
type DigestAuthClient struct {
	httpClient *http.Client
	cnonce     digest.CnonceFunc
	logger     *slog.Logger
}

// AuthOption configures a DigestAuthClient.
type AuthOption func(*DigestAuthClient)

// WithCnonceFunc overrides client nonce generation.
func WithCnonceFunc(fn digest.CnonceFunc) AuthOption {
	return func(c *DigestAuthClient) {
		c.cnonce = fn
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(c *DigestAuthClient) {
		c.logger = logger
	}
}

// NewDigestAuthClient creates a DigestAuthClient using httpClient for probes.
func NewDigestAuthClient(httpClient *http.Client, opts ...AuthOption) *DigestAuthClient {
	c := &DigestAuthClient{
		httpClient: httpClient,
		cnonce:     digest.NewCnonce,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchChallenge sends a bodiless GET to rawURL and parses the digest
// challenge from its 401 response.
func (c *DigestAuthClient) FetchChallenge(ctx context.Context, rawURL string) (digest.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return digest.Challenge{}, fmt.Errorf("build challenge request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return digest.Challenge{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode != http.StatusUnauthorized {
		return digest.Challenge{}, fmt.Errorf("%w: %d", digest.ErrUnexpectedChallengeStatus, resp.StatusCode)
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return digest.Challenge{}, digest.ErrMissingChallengeHeader
	}

	ch := digest.ParseChallenge(header)
	c.logger.Debug("digest challenge received",
		"realm", ch.Realm,
		"qop", ch.QOP,
		"algorithm", ch.Algorithm,
	)
	return ch, nil
}

// GetAuthorizationHeader probes rawURL for a challenge and computes the
// Authorization header for a POST to the same URL.
func (c *DigestAuthClient) GetAuthorizationHeader(ctx context.Context, rawURL, user, password string) (string, error) {
	ch, err := c.FetchChallenge(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return digest.ComputeDigestWithCnonce(user, password, RequestPath(rawURL), ch, AuthMethod, c.cnonce())
}

// RequestPath returns the path of rawURL, or "/" when it has none.
func RequestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
