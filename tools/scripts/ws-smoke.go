// Package main provides a CI-friendly smoke test for claimgate reward events.
//
// It validates:
//   - handshake with a bearer token + subprotocol selection
//   - hello/ack
//   - ad session create over HTTP
//   - completion after the min watch time
//   - ad.completed delivered on the socket
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "claimgate/shared/contracts/events/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSubprotocol = "claimgate.events.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

type adSession struct {
	SessionID     string    `json:"session_id"`
	Provider      string    `json:"provider"`
	Reward        string    `json:"reward"`
	Status        string    `json:"status"`
	CompletableAt time.Time `json:"completable_at"`
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL    = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token     = flag.String("token", "", "Bearer token; minted from -jwt-secret when empty")
		secret    = flag.String("jwt-secret", os.Getenv("CLAIMGATE_JWT_SECRET"), "HS256 secret used to mint a token")
		issuer    = flag.String("jwt-issuer", "claimgate", "JWT issuer")
		audience  = flag.String("jwt-audience", "claimgate-api", "JWT audience")
		user      = flag.String("user", "smoke-user", "Subject for a minted token")
		provider  = flag.String("provider", "adgem", "Ad provider to watch")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		maxWait   = flag.Duration("max-wait", 2*time.Minute, "Upper bound on waiting for completable_at")
		verbose   = flag.Bool("v", false, "Verbose output")
		parentCtx = context.Background()
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if err := validateHTTPURL(*apiURL); err != nil {
		fatalf("invalid -api: %v", err)
	}

	bearer := strings.TrimSpace(*token)
	if bearer == "" {
		if strings.TrimSpace(*secret) == "" {
			fatalf("either -token or -jwt-secret is required")
		}
		var err error
		bearer, err = mintToken(*secret, *issuer, *audience, *user, 10*time.Minute)
		if err != nil {
			fatalf("mint token: %v", err)
		}
	}

	c := mustConnect(parentCtx, "watcher", *wsURL, *origin, bearer, *timeout)
	defer closeWS(c.conn)
	if *verbose {
		fmt.Printf("connected conn_id=%s user_id=%s\n", c.connID, c.userID)
	}

	sess := mustCreateAdSession(parentCtx, *apiURL, bearer, *provider, *timeout)
	if *verbose {
		fmt.Printf("ad session %s reward=%s completable_at=%s\n", sess.SessionID, sess.Reward, sess.CompletableAt.Format(time.RFC3339))
	}

	wait := time.Until(sess.CompletableAt) + 250*time.Millisecond
	if wait > *maxWait {
		fatalf("min watch too long for smoke: %s > %s", wait, *maxWait)
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	mustCompleteAdSession(parentCtx, *apiURL, bearer, sess.SessionID, *timeout)

	env := c.mustReadUntilType(parentCtx, v1.TypeAdCompleted, *timeout, nil)
	var p v1.AdCompletedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal ad.completed payload: %v", err)
	}
	if p.SessionID != sess.SessionID {
		fatalf("ad.completed session mismatch: got=%q want=%q", p.SessionID, sess.SessionID)
	}
	if p.Reward != sess.Reward {
		fatalf("ad.completed reward mismatch: got=%q want=%q", p.Reward, sess.Reward)
	}

	fmt.Println("OK")
}

func mintToken(secret, issuer, audience, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, bearer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+bearer)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "ws-smoke"}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello.ack missing connection_id/user_id (%s)", name)
	}
	c.connID = p.ConnectionID
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustCreateAdSession(parent context.Context, apiURL, bearer, provider string, stepTimeout time.Duration) adSession {
	var out adSession
	status := mustDoJSON(parent, http.MethodPost, strings.TrimRight(apiURL, "/")+"/v1/ads/sessions", bearer,
		map[string]string{"provider": provider}, &out, stepTimeout)
	if status != http.StatusCreated {
		fatalf("create ad session: status=%d", status)
	}
	if out.SessionID == "" || out.CompletableAt.IsZero() {
		fatalf("create ad session: incomplete response %+v", out)
	}
	return out
}

func mustCompleteAdSession(parent context.Context, apiURL, bearer, sessionID string, stepTimeout time.Duration) {
	var out struct {
		OK      bool      `json:"ok"`
		Session adSession `json:"session"`
	}
	u := strings.TrimRight(apiURL, "/") + "/v1/ads/sessions/" + url.PathEscape(sessionID) + "/complete"
	status := mustDoJSON(parent, http.MethodPost, u, bearer, struct{}{}, &out, stepTimeout)
	if status != http.StatusOK || !out.OK {
		fatalf("complete ad session: status=%d ok=%v", status, out.OK)
	}
	if out.Session.Status != "completed" {
		fatalf("complete ad session: status field=%q", out.Session.Status)
	}
}

func mustDoJSON(parent context.Context, method, u, bearer string, in, out any, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(mustJSON(in)))
	if err != nil {
		fatalf("build request %s %s: %v", method, u, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read body %s %s: %v", method, u, err)
	}
	if resp.StatusCode >= 300 {
		fatalf("%s %s: status=%d body=%s", method, u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			fatalf("decode %s %s: %v", method, u, err)
		}
	}
	return resp.StatusCode
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
