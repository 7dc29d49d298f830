package deathbycaptcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient talks to the provider's HTTP API. Every operation is one
// self-contained authenticated exchange; there is no shared connection
// state beyond the standard pool, so instances are safe for concurrent
// use without locking.
type HTTPClient struct {
	baseClient
	cfg Config
	hc  *http.Client
}

// NewHTTPClient creates a stateless request/response client.
func NewHTTPClient(cfg Config) *HTTPClient {
	cfg.defaults()
	c := &HTTPClient{cfg: cfg, hc: &http.Client{Timeout: cfg.HTTPTimeout}}
	c.baseClient = newBaseClient(&c.cfg, c)
	return c
}

// do executes one request, mapping provider HTTP statuses onto the
// error taxonomy before the body is parsed.
func (c *HTTPClient) do(req *http.Request) (*wireResponse, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", APIVersion)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrConnection, err)
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP 403", ErrAccessDenied)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: HTTP 400", ErrInvalidCaptcha)
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: HTTP 503", ErrServiceOverload)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: HTTP 404", ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("deathbycaptcha: HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return parseWire(body)
}

// postForm posts url-encoded credentials plus extra fields.
func (c *HTTPClient) postForm(ctx context.Context, path string, extra url.Values) (*wireResponse, error) {
	form := url.Values{}
	for k, v := range c.cfg.authFields() {
		form.Set(k, v)
	}
	for k, vs := range extra {
		form[k] = vs
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *HTTPClient) upload(ctx context.Context, sub *submission) (*Captcha, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range c.cfg.authFields() {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if sub.typ != TypeImage {
		if err := w.WriteField("type", strconv.Itoa(int(sub.typ))); err != nil {
			return nil, err
		}
	}
	if f := sub.typ.paramsField(); f != "" {
		if err := w.WriteField(f, sub.params); err != nil {
			return nil, err
		}
	}
	switch sub.typ {
	case TypeImage:
		part, err := w.CreateFormFile("captchafile", "captcha")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(sub.image); err != nil {
			return nil, err
		}
	case TypeAudio:
		if err := w.WriteField("audio", base64.StdEncoding.EncodeToString(sub.image)); err != nil {
			return nil, err
		}
		if sub.language != "" {
			if err := w.WriteField("language", sub.language); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/captcha", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	captcha, err := resp.captchaRecord()
	if err != nil {
		return nil, fmt.Errorf("deathbycaptcha: upload not accepted: %w", err)
	}
	return captcha, nil
}

func (c *HTTPClient) getCaptcha(ctx context.Context, id int64) (*Captcha, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/captcha/%d", c.cfg.BaseURL, id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.captchaRecord()
}

func (c *HTTPClient) report(ctx context.Context, id int64) (bool, error) {
	resp, err := c.postForm(ctx, fmt.Sprintf("/captcha/%d/report", id), nil)
	if err != nil {
		return false, err
	}
	// The provider acknowledges a report by flipping is_correct off.
	return resp.IsCorrect == nil || !*resp.IsCorrect, nil
}

func (c *HTTPClient) getUser(ctx context.Context) (*User, error) {
	resp, err := c.postForm(ctx, "/user", nil)
	if err != nil {
		return nil, err
	}
	return resp.userRecord()
}

func (c *HTTPClient) closeTransport() error {
	c.hc.CloseIdleConnections()
	return nil
}
