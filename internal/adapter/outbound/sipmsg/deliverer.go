// Package sipmsg delivers messages to PBX extensions as SIP MESSAGE
// requests sent straight to the PBX, without the manager interface.
package sipmsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

const (
	// DefaultTimeout bounds one MESSAGE transaction, including a digest retry.
	DefaultTimeout = 10 * time.Second
	// DefaultUserAgent is sent when none is configured.
	DefaultUserAgent = "sms-router"
)

// Config describes the PBX SIP listener and the credentials used when it
// challenges.
type Config struct {
	TargetHost string
	TargetPort int
	Transport  string
	Username   string
	Password   string
	Timeout    time.Duration
	UserAgent  string
}

// Deliverer sends SIP MESSAGE requests. It implements outbound.Deliverer
// and outbound.Directory.
type Deliverer struct {
	cfg    Config
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger
}

// New creates a Deliverer with its own user agent and client.
func New(cfg Config, logger *slog.Logger) (*Deliverer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = 5060
	}
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("create sip client: %w", err)
	}

	return &Deliverer{
		cfg:    cfg,
		ua:     ua,
		client: client,
		logger: logger.With("subsystem", "sipmsg"),
	}, nil
}

// Close releases the client and user agent.
func (d *Deliverer) Close() error {
	return errors.Join(d.client.Close(), d.ua.Close())
}

// Deliver sends text as a SIP MESSAGE to the extension behind to
// ("pjsip:201"). A 401 or 407 is answered once with digest credentials.
func (d *Deliverer) Deliver(ctx context.Context, to, from, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := buildRequest(d.cfg, to, from, text)
	if err != nil {
		return "", err
	}

	res, err := d.send(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return "", err
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		if d.cfg.Username == "" {
			return "", fmt.Errorf("%w: %d %s and no credentials configured", message.ErrDeliveryFailed, res.StatusCode, res.Reason)
		}
		authReq, err := authorizeRequest(req, res, d.cfg.Username, d.cfg.Password)
		if err != nil {
			return "", err
		}
		d.logger.Debug("re-sending message with auth", "recipient", req.Recipient.String())
		res, err = d.send(ctx, authReq, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		if err != nil {
			return "", err
		}
	}

	if !res.IsSuccess() {
		return "", fmt.Errorf("%w: %d %s", message.ErrDeliveryFailed, res.StatusCode, res.Reason)
	}
	return fmt.Sprintf("%d %s", res.StatusCode, res.Reason), nil
}

// send runs one client transaction and returns its final response.
func (d *Deliverer) send(ctx context.Context, req *sip.Request, opts ...sipgo.ClientRequestOption) (*sip.Response, error) {
	tx, err := d.client.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("message transaction: %w", err)
			}
			return nil, errors.New("message transaction ended without a final response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ContactDomain reports the host of extension when it is a full address.
// The SIP backend has no registration directory.
func (d *Deliverer) ContactDomain(_ context.Context, extension string) (string, bool) {
	return routing.ExtractDomain(extension)
}

// buildRequest builds the MESSAGE for the PBX endpoint named by to.
func buildRequest(cfg Config, to, from, text string) (*sip.Request, error) {
	ext := strings.TrimPrefix(to, "pjsip:")
	if ext == "" {
		return nil, fmt.Errorf("%w: empty destination", message.ErrDeliveryFailed)
	}

	var recipient sip.Uri
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", ext, cfg.TargetHost, cfg.TargetPort)
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing recipient uri %q: %w", recipientStr, err)
	}

	var sender sip.Uri
	if err := sip.ParseUri(from, &sender); err != nil {
		return nil, fmt.Errorf("parsing sender uri %q: %w", from, err)
	}

	req := sip.NewRequest(sip.MESSAGE, recipient)
	req.SetTransport(strings.ToUpper(cfg.Transport))

	fromHdr := &sip.FromHeader{
		Address: sender,
		Params:  sip.NewParams(),
	}
	fromHdr.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(fromHdr)

	req.SetBody([]byte(text))
	req.AppendHeader(sip.NewHeader("Content-Type", "text/plain;charset=UTF-8"))
	return req, nil
}

// authorizeRequest answers a 401/407 challenge with a cloned, authorized
// copy of req.
func authorizeRequest(req *sip.Request, res *sip.Response, user, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("pbx sent %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing pbx auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: password,
		Count:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("computing pbx digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// Compile-time interface verification.
var (
	_ outbound.Deliverer = (*Deliverer)(nil)
	_ outbound.Directory = (*Deliverer)(nil)
)
