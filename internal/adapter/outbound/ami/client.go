// Package ami delivers messages to PBX extensions through the Asterisk
// Manager Interface and looks up where extensions are registered.
//
// Every call opens its own connection: dial, read the banner, log in, run
// one action, log off and close. No connection is shared between calls.
package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a whole AMI exchange.
const DefaultTimeout = 10 * time.Second

var (
	// ErrLoginFailed is returned when the manager rejects the credentials.
	ErrLoginFailed = errors.New("ami login failed")
	// ErrBadBanner is returned when the peer does not greet like a manager.
	ErrBadBanner = errors.New("unexpected ami banner")
)

// Config holds the manager endpoint and credentials.
type Config struct {
	Addr     string
	Username string
	Secret   string
	Timeout  time.Duration
}

// Field is one "Key: Value" line of an action. Order is preserved on the wire.
type Field struct {
	Key   string
	Value string
}

// Packet is one message read from the manager.
type Packet struct {
	textproto.MIMEHeader
}

// Response returns the Response field, e.g. "Success" or "Error".
func (p Packet) Response() string { return p.Get("Response") }

// Event returns the Event field.
func (p Packet) Event() string { return p.Get("Event") }

// IsError reports an explicit error response.
func (p Packet) IsError() bool { return strings.EqualFold(p.Response(), "Error") }

// Reply is the response to an action plus any list events that followed it.
type Reply struct {
	Packet
	Events []Packet
}

// Client runs AMI actions.
type Client struct {
	cfg    Config
	dialer net.Dialer
	logger *slog.Logger
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("subsystem", "ami"),
	}
}

// Do runs one action in a fresh manager session and returns its reply.
// An explicit "Response: Error" is returned as a reply, not an error.
func (c *Client) Do(ctx context.Context, action string, fields ...Field) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return Reply{}, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{
		conn: conn,
		r:    textproto.NewReader(bufio.NewReader(conn)),
	}

	banner, err := s.r.ReadLine()
	if err != nil {
		return Reply{}, fmt.Errorf("read banner: %w", err)
	}
	if !strings.Contains(banner, "Call Manager") {
		return Reply{}, fmt.Errorf("%w: %q", ErrBadBanner, banner)
	}

	login, err := s.run("Login",
		Field{"Username", c.cfg.Username},
		Field{"Secret", c.cfg.Secret},
		Field{"Events", "off"},
	)
	if err != nil {
		return Reply{}, fmt.Errorf("login: %w", err)
	}
	if login.IsError() {
		return Reply{}, fmt.Errorf("%w: %s", ErrLoginFailed, login.Get("Message"))
	}

	reply, err := s.run(action, fields...)
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", action, err)
	}

	if _, err := s.run("Logoff"); err != nil {
		c.logger.Debug("ami logoff failed", "error", err)
	}

	c.logger.Debug("ami action completed",
		"action", action,
		"response", reply.Response(),
		"events", len(reply.Events),
	)
	return reply, nil
}

// Ping checks that the manager accepts a login.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "Ping")
	if err != nil {
		return err
	}
	if reply.IsError() {
		return fmt.Errorf("ping: %s", reply.Get("Message"))
	}
	return nil
}

type session struct {
	conn net.Conn
	r    *textproto.Reader
}

// run writes an action and reads packets until its response arrives. When
// the response opens an event list, events are collected until the list
// completes.
func (s *session) run(action string, fields ...Field) (Reply, error) {
	id := uuid.NewString()
	if err := s.write(action, id, fields); err != nil {
		return Reply{}, err
	}

	var reply Reply
	for {
		p, err := s.read()
		if err != nil {
			return Reply{}, err
		}
		if p.Get("ActionID") != id {
			continue
		}
		if p.Response() != "" {
			reply.Packet = p
			if !strings.EqualFold(p.Get("EventList"), "start") {
				return reply, nil
			}
			continue
		}
		if strings.EqualFold(p.Get("EventList"), "Complete") {
			return reply, nil
		}
		reply.Events = append(reply.Events, p)
	}
}

func (s *session) write(action, id string, fields []Field) error {
	var b strings.Builder
	b.WriteString("Action: " + action + "\r\n")
	b.WriteString("ActionID: " + id + "\r\n")
	for _, f := range fields {
		b.WriteString(f.Key + ": " + f.Value + "\r\n")
	}
	b.WriteString("\r\n")
	_, err := s.conn.Write([]byte(b.String()))
	return err
}

func (s *session) read() (Packet, error) {
	h, err := s.r.ReadMIMEHeader()
	if err != nil && len(h) == 0 {
		return Packet{}, err
	}
	return Packet{h}, nil
}
