package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	icholy "github.com/icholy/digest"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/digest"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

const testChallenge = `Digest realm="Web Server", domain="", qop="auth", nonce="abc123", opaque="5ccc", algorithm="MD5", stale="FALSE"`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway answers GET with a digest challenge and verifies the
// Authorization header of POST requests.
type fakeGateway struct {
	t        *testing.T
	user     string
	password string
	status   int
	reply    string

	probes   atomic.Int32
	sends    atomic.Int32
	lastBody atomic.Value // sendRequest
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.probes.Add(1)
		if r.ContentLength > 0 {
			g.t.Errorf("challenge probe carried a body of %d bytes", r.ContentLength)
		}
		w.Header().Set("WWW-Authenticate", testChallenge)
		w.WriteHeader(http.StatusUnauthorized)
	case http.MethodPost:
		g.sends.Add(1)
		if !g.verify(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			g.t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.t.Errorf("decode send body: %v", err)
		}
		g.lastBody.Store(body)
		w.WriteHeader(g.status)
		_, _ = io.WriteString(w, g.reply)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *fakeGateway) verify(r *http.Request) bool {
	cred, err := icholy.ParseCredentials(r.Header.Get("Authorization"))
	if err != nil {
		g.t.Errorf("ParseCredentials: %v", err)
		return false
	}
	if cred.Nc != 1 {
		g.t.Errorf("nc = %d, want 1", cred.Nc)
	}
	want, err := icholy.Digest(&icholy.Challenge{
		Realm:     "Web Server",
		Nonce:     "abc123",
		Algorithm: "MD5",
		QOP:       []string{"auth"},
	}, icholy.Options{
		Method:   http.MethodPost,
		URI:      cred.URI,
		Username: g.user,
		Password: g.password,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil {
		g.t.Errorf("reference digest: %v", err)
		return false
	}
	return cred.Username == g.user && cred.URI == r.URL.Path && cred.Response == want.Response
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		URL:      url,
		Username: "admin",
		Password: "admin123",
		Timeout:  2 * time.Second,
	}, WithLogger(discardLogger()))
}

func TestFetchChallenge_Parses401(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	auth := NewDigestAuthClient(srv.Client(), WithAuthLogger(discardLogger()))
	ch, err := auth.FetchChallenge(context.Background(), srv.URL+"/api/send_sms")
	if err != nil {
		t.Fatalf("FetchChallenge() error = %v", err)
	}

	want := digest.Challenge{Realm: "Web Server", Nonce: "abc123", QOP: "auth", Algorithm: "md5"}
	if ch != want {
		t.Errorf("FetchChallenge() = %+v, want %+v", ch, want)
	}
}

func TestFetchChallenge_Non401Fails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	auth := NewDigestAuthClient(client, WithAuthLogger(discardLogger()))

	done := make(chan error, 1)
	go func() {
		_, err := auth.FetchChallenge(context.Background(), srv.URL)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, digest.ErrUnexpectedChallengeStatus) {
			t.Errorf("error = %v, want ErrUnexpectedChallengeStatus", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FetchChallenge hung on a 200 response")
	}
}

func TestFetchChallenge_MissingHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := NewDigestAuthClient(srv.Client(), WithAuthLogger(discardLogger()))
	_, err := auth.FetchChallenge(context.Background(), srv.URL)
	if !errors.Is(err, digest.ErrMissingChallengeHeader) {
		t.Errorf("error = %v, want ErrMissingChallengeHeader", err)
	}
}

func TestGetAuthorizationHeader_UsesURLPathAndFixedCnonce(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	auth := NewDigestAuthClient(srv.Client(),
		WithAuthLogger(discardLogger()),
		WithCnonceFunc(func() string { return "0123456789abcdef" }),
	)

	got, err := auth.GetAuthorizationHeader(context.Background(), srv.URL+"/api/send_sms", "admin", "admin123")
	if err != nil {
		t.Fatalf("GetAuthorizationHeader() error = %v", err)
	}

	ch := digest.Challenge{Realm: "Web Server", Nonce: "abc123", QOP: "auth", Algorithm: "md5"}
	want, _ := digest.ComputeDigestWithCnonce("admin", "admin123", "/api/send_sms", ch, "POST", "0123456789abcdef")
	if got != want {
		t.Errorf("header =\n  %s\nwant\n  %s", got, want)
	}
	if gw.probes.Load() != 1 {
		t.Errorf("probes = %d, want 1", gw.probes.Load())
	}
}

func TestRequestPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{"http://10.0.0.5/api/send_sms", "/api/send_sms"},
		{"https://gw.example.com", "/"},
		{"http://gw.example.com/", "/"},
		{"http://gw.example.com/api/send_sms?x=1", "/api/send_sms"},
		{"::bad", "/"},
	}
	for _, tt := range tests {
		if got := RequestPath(tt.url); got != tt.want {
			t.Errorf("RequestPath(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestClient_Send(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t, user: "admin", password: "admin123", status: http.StatusOK, reply: `{"error_code":202,"sms_in_queue":1}`}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	c := newTestClient(srv.URL + "/api/send_sms")
	reply, err := c.Send(context.Background(), message.SMS{From: "201", To: "+16315554444", Port: 2, Text: "hello, world"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if reply.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", reply.StatusCode)
	}
	if reply.Body != gw.reply {
		t.Errorf("Body = %q, want %q", reply.Body, gw.reply)
	}

	body, _ := gw.lastBody.Load().(sendRequest)
	if body.Text != "hello, world" || body.Encoding != "unicode" {
		t.Errorf("body = %+v", body)
	}
	if len(body.Param) != 1 || body.Param[0].Number != "+16315554444" {
		t.Errorf("param = %+v", body.Param)
	}
	if len(body.Port) != 1 || body.Port[0] != 2 {
		t.Errorf("port = %v", body.Port)
	}
	if gw.probes.Load() != 1 || gw.sends.Load() != 1 {
		t.Errorf("probes/sends = %d/%d, want 1/1", gw.probes.Load(), gw.sends.Load())
	}
}

func TestClient_Send_FreshAuthorizationEachTime(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		headers []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("WWW-Authenticate", testChallenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		headers = append(headers, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 2; i++ {
		if _, err := c.Send(context.Background(), message.SMS{To: "1", Port: 0, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(headers) != 2 || headers[0] == headers[1] {
		t.Errorf("authorization headers not recomputed: %v", headers)
	}
	for _, h := range headers {
		if !strings.Contains(h, `uri="/"`) {
			t.Errorf("header %q does not use the default path", h)
		}
	}
}

func TestClient_Send_NonSuccessStatusIsReturned(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{t: t, user: "admin", password: "admin123", status: http.StatusInternalServerError, reply: "queue full"}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	reply, err := newTestClient(srv.URL+"/api/send_sms").Send(context.Background(), message.SMS{To: "1", Port: 0, Text: "x"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if reply.StatusCode != http.StatusInternalServerError || reply.Body != "queue full" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestClient_Send_ChallengeProtocolError(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Send(context.Background(), message.SMS{To: "1", Port: 0, Text: "x"})

	var me *message.Error
	if !errors.As(err, &me) || me.Kind != message.KindChallengeProtocol {
		t.Fatalf("error = %v, want challenge_protocol", err)
	}
	if !errors.Is(err, digest.ErrUnexpectedChallengeStatus) {
		t.Errorf("error does not wrap ErrUnexpectedChallengeStatus: %v", err)
	}
	if posts.Load() != 0 {
		t.Errorf("POST sent after failed challenge")
	}
}

func TestClient_Send_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Send(context.Background(), message.SMS{To: "1", Port: 0, Text: "x"})

	var me *message.Error
	if !errors.As(err, &me) || me.Kind != message.KindTransport {
		t.Fatalf("error = %v, want transport", err)
	}
	if !strings.HasPrefix(me.Error(), "transport error: ") {
		t.Errorf("Error() = %q", me.Error())
	}
}

func TestClient_Send_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{URL: srv.URL, Timeout: 100 * time.Millisecond}, WithLogger(discardLogger()))

	start := time.Now()
	_, err := c.Send(context.Background(), message.SMS{To: "1", Port: 0, Text: "x"})
	if err == nil {
		t.Fatal("Send() error = nil, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send() took %v, timeout not applied", elapsed)
	}
}
