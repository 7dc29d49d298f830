package deathbycaptcha

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// socketServer speaks the provider's CRLF-framed JSON protocol on a
// loopback listener.
type socketServer struct {
	ln              net.Listener
	closeAfterReply bool
	calls           atomic.Int64
	handler         func(req map[string]any) map[string]any
}

func newSocketServer(t *testing.T, handler func(req map[string]any) map[string]any) *socketServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &socketServer{ln: ln, handler: handler}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *socketServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(bytes.TrimRight(line, terminator), &req); err != nil {
			return
		}
		s.calls.Add(1)
		resp, _ := json.Marshal(s.handler(req))
		if _, err := conn.Write(append(resp, terminator...)); err != nil {
			return
		}
		if s.closeAfterReply {
			return
		}
	}
}

func (s *socketServer) config() Config {
	port := s.ln.Addr().(*net.TCPAddr).Port
	return Config{
		Username:     "user",
		Password:     "pass",
		SocketHost:   "127.0.0.1",
		SocketPorts:  [2]int{port, port},
		HTTPTimeout:  2 * time.Second,
		PollSchedule: []time.Duration{time.Millisecond},
		PollInterval: time.Millisecond,
		Backoff:      BackoffConfig{InitialWait: time.Microsecond, MaxWait: time.Millisecond, Multiplier: 2.0},
	}
}

func TestSocketGetUser(t *testing.T) {
	var gotReq map[string]any
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		gotReq = req
		return map[string]any{"user": 42, "balance": 8213, "is_banned": false, "rate": 0.139}
	})

	c := NewSocketClient(srv.config())
	defer c.Close()

	user, err := c.GetUser(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != 42 || user.Balance != 8213 {
		t.Fatalf("unexpected user %+v", user)
	}

	// Every request carries the command, client version and credentials.
	if gotReq["cmd"] != "user" {
		t.Fatalf("cmd = %v", gotReq["cmd"])
	}
	if gotReq["version"] != APIVersion {
		t.Fatalf("version = %v", gotReq["version"])
	}
	if gotReq["username"] != "user" || gotReq["password"] != "pass" {
		t.Fatalf("missing credentials in %v", gotReq)
	}
}

func TestSocketAuthtoken(t *testing.T) {
	var gotReq map[string]any
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		gotReq = req
		return map[string]any{"user": 1, "balance": 1}
	})

	cfg := srv.config()
	cfg.Authtoken = "tok123"
	c := NewSocketClient(cfg)
	defer c.Close()

	if _, err := c.GetUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotReq["authtoken"] != "tok123" {
		t.Fatalf("expected authtoken auth, got %v", gotReq)
	}
	if _, ok := gotReq["username"]; ok {
		t.Fatal("username must not be sent alongside an authtoken")
	}
}

func TestSocketDecode(t *testing.T) {
	var polls atomic.Int64
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		switch req["cmd"] {
		case "upload":
			if req["captcha"] == "" {
				return map[string]any{"error": "invalid-captcha"}
			}
			return map[string]any{"captcha": 5}
		case "captcha":
			if polls.Add(1) < 2 {
				return map[string]any{"captcha": 5, "text": ""}
			}
			return map[string]any{"captcha": 5, "text": "ab3x9", "is_correct": true}
		}
		return map[string]any{"error": "unexpected"}
	})

	c := NewSocketClient(srv.config())
	defer c.Close()

	captcha, err := c.Decode(context.Background(), bytes.NewReader(pngBytes(t)), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if captcha == nil || captcha.Text != "ab3x9" || captcha.ID != 5 {
		t.Fatalf("unexpected captcha %+v", captcha)
	}
	if captcha.Correctness != CorrectnessCorrect {
		t.Fatalf("expected correct flag, got %d", captcha.Correctness)
	}
}

func TestSocketAccessDenied(t *testing.T) {
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		return map[string]any{"error": "invalid-credentials"}
	})

	c := NewSocketClient(srv.config())
	defer c.Close()

	_, err := c.GetBalance(context.Background())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	// Access denial is a protocol answer, not a connection problem:
	// exactly one exchange, no reconnect storm.
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("expected 1 exchange, got %d", n)
	}
}

func TestSocketReconnect(t *testing.T) {
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		return map[string]any{"user": 7, "balance": 100}
	})
	srv.closeAfterReply = true

	c := NewSocketClient(srv.config())
	defer c.Close()

	// The server drops the connection after each reply; every call
	// must still succeed via transparent reconnect.
	for i := 0; i < 3; i++ {
		if _, err := c.GetUser(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
}

func TestSocketConcurrentCallers(t *testing.T) {
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		if req["cmd"] != "captcha" {
			return map[string]any{"error": "unexpected"}
		}
		id := int64(req["captcha"].(float64))
		return map[string]any{"captcha": id, "text": fmt.Sprintf("sol-%d", id), "is_correct": true}
	})

	c := NewSocketClient(srv.config())
	defer c.Close()

	// One client shared across goroutines: the serialized exchange must
	// hand each caller the response to its own request, never a
	// neighbor's.
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			got, err := c.GetCaptcha(context.Background(), id)
			if err != nil {
				t.Errorf("id %d: %v", id, err)
				return
			}
			if got.ID != id || got.Text != fmt.Sprintf("sol-%d", id) {
				t.Errorf("id %d: received %+v", id, got)
			}
		}(int64(i))
	}
	wg.Wait()

	if n := srv.calls.Load(); n != 64 {
		t.Fatalf("expected 64 exchanges, got %d", n)
	}
}

func TestSocketConnectFailure(t *testing.T) {
	srv := newSocketServer(t, func(req map[string]any) map[string]any { return nil })
	cfg := srv.config()
	srv.ln.Close() // nothing listening anymore

	c := NewSocketClient(cfg)
	defer c.Close()

	_, err := c.GetUser(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestSocketReport(t *testing.T) {
	var reports atomic.Int64
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		if req["cmd"] == "report" {
			reports.Add(1)
			return map[string]any{"captcha": 77, "is_correct": false}
		}
		return map[string]any{"error": "unexpected"}
	})

	c := NewSocketClient(srv.config())
	defer c.Close()

	for i := 0; i < 2; i++ {
		ok, err := c.Report(context.Background(), 77)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("report %d rejected", i+1)
		}
	}
	if n := reports.Load(); n != 1 {
		t.Fatalf("expected 1 wire report, got %d", n)
	}
}

func TestSocketClosed(t *testing.T) {
	srv := newSocketServer(t, func(req map[string]any) map[string]any {
		return map[string]any{"user": 1, "balance": 1}
	})

	c := NewSocketClient(srv.config())
	if _, err := c.GetUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetUser(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
