package deathbycaptcha

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"
)

// terminator frames both requests and responses on the socket API.
const terminator = "\r\n"

// SocketClient talks to the provider's socket API over one long-lived
// TCP connection. Requests and responses are single JSON documents
// framed by CRLF. The connection is dialed lazily on first use and
// redialed transparently after a drop, up to Config.MaxReconnects
// attempts per operation.
//
// A SocketClient may be shared across goroutines: a mutex serializes
// full request/response cycles so responses are never delivered to the
// wrong caller.
type SocketClient struct {
	baseClient
	cfg Config

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewSocketClient creates a persistent-connection client. No network
// traffic happens until the first operation.
func NewSocketClient(cfg Config) *SocketClient {
	cfg.defaults()
	c := &SocketClient{cfg: cfg}
	c.baseClient = newBaseClient(&c.cfg, c)
	return c
}

// call runs one authenticated command, reconnecting as needed.
func (c *SocketClient) call(ctx context.Context, cmd string, fields map[string]any) (*wireResponse, error) {
	req := map[string]any{"cmd": cmd, "version": APIVersion}
	for k, v := range c.cfg.authFields() {
		req[k] = v
	}
	for k, v := range fields {
		req[k] = v
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("deathbycaptcha: marshal %s request: %w", cmd, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxReconnects; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.cfg.Backoff.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}
		if c.conn == nil {
			if err := c.connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		body, err := c.exchange(ctx, payload)
		if err != nil {
			slog.Debug("socket exchange failed", slog.String("cmd", cmd), slog.Int("attempt", attempt), slog.Any("error", err))
			c.dropConn()
			lastErr = err
			continue
		}
		return parseWire(body)
	}
	return nil, fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

// connect dials a random port in the configured range.
func (c *SocketClient) connect(ctx context.Context) error {
	port := c.cfg.SocketPorts[0]
	if spread := c.cfg.SocketPorts[1] - c.cfg.SocketPorts[0]; spread > 0 {
		port += rand.Intn(spread + 1)
	}
	addr := net.JoinHostPort(c.cfg.SocketHost, strconv.Itoa(port))

	d := net.Dialer{Timeout: c.cfg.HTTPTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	slog.Debug("socket connected", slog.String("addr", addr))
	return nil
}

// exchange writes one framed request and reads one framed response.
func (c *SocketClient) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.HTTPTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(append(payload, terminator...)); err != nil {
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, terminator), nil
}

func (c *SocketClient) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

func (c *SocketClient) upload(ctx context.Context, sub *submission) (*Captcha, error) {
	fields := map[string]any{}
	if sub.typ != TypeImage {
		fields["type"] = int(sub.typ)
	}
	switch sub.typ {
	case TypeImage:
		fields["captcha"] = base64.StdEncoding.EncodeToString(sub.image)
	case TypeAudio:
		fields["audio"] = base64.StdEncoding.EncodeToString(sub.image)
		if sub.language != "" {
			fields["language"] = sub.language
		}
	}
	if f := sub.typ.paramsField(); f != "" {
		fields[f] = sub.params
	}

	resp, err := c.call(ctx, "upload", fields)
	if err != nil {
		return nil, err
	}
	captcha, err := resp.captchaRecord()
	if err != nil {
		return nil, fmt.Errorf("deathbycaptcha: upload not accepted: %w", err)
	}
	return captcha, nil
}

func (c *SocketClient) getCaptcha(ctx context.Context, id int64) (*Captcha, error) {
	resp, err := c.call(ctx, "captcha", map[string]any{"captcha": id})
	if err != nil {
		return nil, err
	}
	return resp.captchaRecord()
}

func (c *SocketClient) report(ctx context.Context, id int64) (bool, error) {
	resp, err := c.call(ctx, "report", map[string]any{"captcha": id})
	if err != nil {
		return false, err
	}
	// The provider acknowledges a report by flipping is_correct off.
	return resp.IsCorrect == nil || !*resp.IsCorrect, nil
}

func (c *SocketClient) getUser(ctx context.Context) (*User, error) {
	resp, err := c.call(ctx, "user", nil)
	if err != nil {
		return nil, err
	}
	return resp.userRecord()
}

func (c *SocketClient) closeTransport() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}
