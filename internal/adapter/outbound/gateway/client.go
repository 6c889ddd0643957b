package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/digest"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

const (
	// DefaultTimeout bounds each gateway request.
	DefaultTimeout = 10 * time.Second

	// maxResponseBodySize caps how much of a gateway reply is read.
	maxResponseBodySize = 1024 * 1024 // 1MB

	// EncodingUnicode is the only text encoding sent to the gateway.
	EncodingUnicode = "unicode"
)

// sendRequest is the body of the gateway send_sms API.
type sendRequest struct {
	Text     string      `json:"text"`
	Param    []recipient `json:"param"`
	Port     []int       `json:"port"`
	Encoding string      `json:"encoding"`
}

type recipient struct {
	Number string `json:"number"`
}

// Config holds the gateway endpoint and credentials.
type Config struct {
	URL                string
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Client sends SMS through the gateway. It implements outbound.Gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	auth       *DigestAuthClient
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient  *http.Client
	logger      *slog.Logger
	authOptions []AuthOption
}

// WithHTTPClient sets a custom HTTP client for both the probe and the send.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithAuthOptions passes options to the underlying DigestAuthClient.
func WithAuthOptions(opts ...AuthOption) ClientOption {
	return func(o *clientOptions) {
		o.authOptions = append(o.authOptions, opts...)
	}
}

// NewClient creates a gateway client for cfg.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := &clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient(cfg)
	}

	logger := o.logger.With("subsystem", "gateway")
	authOpts := append([]AuthOption{WithAuthLogger(logger)}, o.authOptions...)

	return &Client{
		cfg:        cfg,
		httpClient: o.httpClient,
		auth:       NewDigestAuthClient(o.httpClient, authOpts...),
		logger:     logger,
	}
}

func newHTTPClient(cfg Config) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // self-signed gateway certificates
			},
			// Probe and send each use a fresh connection.
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Auth returns the digest client used for the challenge handshake.
func (c *Client) Auth() *DigestAuthClient {
	return c.auth
}

// Send makes one authenticated send attempt for sms.
func (c *Client) Send(ctx context.Context, sms message.SMS) (outbound.GatewayReply, error) {
	authz, err := c.auth.GetAuthorizationHeader(ctx, c.cfg.URL, c.cfg.Username, c.cfg.Password)
	if err != nil {
		return outbound.GatewayReply{}, classifyAuthError(err)
	}

	body, err := json.Marshal(sendRequest{
		Text:     sms.Text,
		Param:    []recipient{{Number: sms.To}},
		Port:     []int{sms.Port},
		Encoding: EncodingUnicode,
	})
	if err != nil {
		return outbound.GatewayReply{}, message.NewError(message.KindValidation, "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return outbound.GatewayReply{}, message.NewError(message.KindTransport, "send", err)
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return outbound.GatewayReply{}, message.NewError(message.KindTransport, "send", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return outbound.GatewayReply{}, message.NewError(message.KindTransport, "send", fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug("gateway replied",
		"port", sms.Port,
		"status", resp.StatusCode,
		"bytes", len(respBody),
	)

	return outbound.GatewayReply{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
}

// classifyAuthError separates challenge protocol violations from network
// failures of the probe.
func classifyAuthError(err error) *message.Error {
	switch {
	case errors.Is(err, digest.ErrUnexpectedChallengeStatus),
		errors.Is(err, digest.ErrMissingChallengeHeader),
		errors.Is(err, digest.ErrIncompleteChallenge),
		errors.Is(err, digest.ErrUnsupportedAlgorithm):
		return message.NewError(message.KindChallengeProtocol, "challenge", err)
	default:
		return message.NewError(message.KindTransport, "challenge", err)
	}
}

// Compile-time interface verification.
var _ outbound.Gateway = (*Client)(nil)
