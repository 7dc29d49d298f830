// Package deathbycaptcha is a client library for the Death By Captcha
// CAPTCHA-solving service. Two transports are provided: SocketClient
// keeps one authenticated connection open across calls, HTTPClient
// issues a self-contained request per call. Both satisfy Client.
package deathbycaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbcapi/go-deathbycaptcha/imghdr"
)

// Client is the operation contract shared by both transports. All
// methods block on the caller's goroutine; concurrency, where wanted,
// is supplied by the caller.
type Client interface {
	// Decode uploads a CAPTCHA and polls until it is solved, the
	// timeout elapses, or a hard error occurs. A poll timeout returns
	// (nil, nil), not an error.
	Decode(ctx context.Context, image io.Reader, opts ...DecodeOption) (*Captcha, error)

	// DecodeFile is Decode reading the image from a file path.
	DecodeFile(ctx context.Context, path string, opts ...DecodeOption) (*Captcha, error)

	// Upload submits a CAPTCHA without waiting for its solution.
	Upload(ctx context.Context, image io.Reader, opts ...DecodeOption) (*Captcha, error)

	// GetCaptcha looks up an uploaded CAPTCHA by id.
	GetCaptcha(ctx context.Context, id int64) (*Captcha, error)

	// Report flags a CAPTCHA as incorrectly solved and requests a
	// refund. Reporting an already-reported id is a no-op success.
	Report(ctx context.Context, id int64) (bool, error)

	// GetBalance returns the account balance in US cents.
	GetBalance(ctx context.Context) (int, error)

	// GetUser returns a snapshot of the provider account.
	GetUser(ctx context.Context) (*User, error)

	// Close releases transport resources. Safe to call repeatedly;
	// later operations fail with ErrClosed.
	Close() error
}

// transport is the narrow wire surface a concrete client implements.
// Everything above it (submission validation, polling, report
// idempotence, close semantics) is shared.
type transport interface {
	upload(ctx context.Context, sub *submission) (*Captcha, error)
	getCaptcha(ctx context.Context, id int64) (*Captcha, error)
	report(ctx context.Context, id int64) (bool, error)
	getUser(ctx context.Context) (*User, error)
	closeTransport() error
}

// DecodeOption customizes a single Decode or Upload call.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	timeout  time.Duration
	typ      CaptchaType
	params   string
	language string
}

// WithTimeout bounds the total Decode duration (upload plus polling).
func WithTimeout(d time.Duration) DecodeOption {
	return func(o *decodeOptions) { o.timeout = d }
}

// WithType selects the CAPTCHA variant being submitted.
func WithType(t CaptchaType) DecodeOption {
	return func(o *decodeOptions) { o.typ = t }
}

// WithTokenParams attaches type-specific parameters for token-based
// CAPTCHA types.
func WithTokenParams(p TokenParams) DecodeOption {
	return func(o *decodeOptions) {
		raw, _ := json.Marshal(p)
		o.params = string(raw)
	}
}

// WithParamsJSON attaches a raw JSON parameter blob, for provider
// fields TokenParams does not model.
func WithParamsJSON(raw string) DecodeOption {
	return func(o *decodeOptions) { o.params = raw }
}

// WithLanguage sets the audio CAPTCHA language code.
func WithLanguage(lang string) DecodeOption {
	return func(o *decodeOptions) { o.language = lang }
}

// submission is one fully-validated CAPTCHA upload.
type submission struct {
	typ      CaptchaType
	image    []byte
	format   imghdr.Format
	params   string
	language string
	timeout  time.Duration
}

// newSubmission reads and validates the image source before any
// network traffic, so malformed input fails without spending credit.
func newSubmission(cfg *Config, image io.Reader, opts []DecodeOption) (*submission, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &submission{
		typ:      o.typ,
		params:   o.params,
		language: o.language,
		timeout:  o.timeout,
	}
	if sub.timeout == 0 {
		if sub.typ == TypeImage {
			sub.timeout = cfg.DefaultTimeout
		} else {
			sub.timeout = DefaultTokenTimeout
		}
	}

	if image != nil {
		data, err := io.ReadAll(image)
		if err != nil {
			return nil, fmt.Errorf("deathbycaptcha: read image: %w", err)
		}
		sub.image = data
		if sub.typ == TypeImage {
			sub.format = imghdr.What(data)
			if sub.format == imghdr.Unknown {
				return nil, fmt.Errorf("%w: unrecognized image format", ErrInvalidCaptcha)
			}
		}
	} else if sub.typ == TypeImage {
		return nil, fmt.Errorf("%w: no image supplied", ErrInvalidCaptcha)
	}

	if f := sub.typ.paramsField(); f != "" && sub.params == "" {
		return nil, fmt.Errorf("%w: type %d requires parameters", ErrInvalidCaptcha, sub.typ)
	}
	return sub, nil
}

// baseClient carries the transport-independent half of Client. Both
// concrete clients embed it and wire api to themselves.
type baseClient struct {
	cfg *Config
	api transport

	closed atomic.Bool

	mu       sync.Mutex
	reported map[int64]bool
}

func newBaseClient(cfg *Config, api transport) baseClient {
	return baseClient{cfg: cfg, api: api, reported: make(map[int64]bool)}
}

func (b *baseClient) ensureOpen() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Decode uploads the CAPTCHA and polls for its solution. The deadline
// covers the whole call including the upload round trip.
func (b *baseClient) Decode(ctx context.Context, image io.Reader, opts ...DecodeOption) (*Captcha, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	sub, err := newSubmission(b.cfg, image, opts)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(sub.timeout)
	uploaded, err := b.api.upload(ctx, sub)
	if err != nil {
		return nil, err
	}
	slog.Debug("captcha uploaded", slog.Int64("captcha", uploaded.ID), slog.Int("type", int(sub.typ)))
	if uploaded.Solved() {
		return uploaded, nil
	}

	retries := 0
	for polls := 0; ; polls++ {
		wait := b.cfg.pollWait(polls)
		if remaining := time.Until(deadline); wait >= remaining {
			// The next poll would land past the deadline. Sleep out
			// the remainder and give up without another lookup.
			if err := sleepCtx(ctx, remaining); err != nil {
				return nil, err
			}
			slog.Debug("captcha solve timed out", slog.Int64("captcha", uploaded.ID))
			return nil, nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}

		got, err := b.api.getCaptcha(ctx, uploaded.ID)
		if err != nil {
			if !retryable(err) {
				return nil, err
			}
			retries++
			if retries > b.cfg.MaxPollRetries {
				return nil, err
			}
			backoff := b.cfg.Backoff.Duration(retries - 1)
			slog.Debug("poll failed, backing off",
				slog.Int64("captcha", uploaded.ID),
				slog.Int("retries", retries),
				slog.Duration("backoff", backoff),
				slog.Any("error", err))
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}
		retries = 0
		if got.Solved() {
			slog.Debug("captcha solved", slog.Int64("captcha", got.ID))
			return got, nil
		}
	}
}

// DecodeFile is Decode reading the image from a file path.
func (b *baseClient) DecodeFile(ctx context.Context, path string, opts ...DecodeOption) (*Captcha, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deathbycaptcha: open %s: %w", path, err)
	}
	defer f.Close()
	return b.Decode(ctx, f, opts...)
}

// Upload submits the CAPTCHA without waiting for its solution.
func (b *baseClient) Upload(ctx context.Context, image io.Reader, opts ...DecodeOption) (*Captcha, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	sub, err := newSubmission(b.cfg, image, opts)
	if err != nil {
		return nil, err
	}
	return b.api.upload(ctx, sub)
}

// GetCaptcha looks up an uploaded CAPTCHA by id.
func (b *baseClient) GetCaptcha(ctx context.Context, id int64) (*Captcha, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return b.api.getCaptcha(ctx, id)
}

// Report flags a CAPTCHA as incorrectly solved. The correctness flag
// transitions only once: reports for an id already reported through
// this client succeed without another wire request.
func (b *baseClient) Report(ctx context.Context, id int64) (bool, error) {
	if err := b.ensureOpen(); err != nil {
		return false, err
	}
	b.mu.Lock()
	if b.reported[id] {
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	ok, err := b.api.report(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		b.mu.Lock()
		b.reported[id] = true
		b.mu.Unlock()
		slog.Info("captcha reported for refund", slog.Int64("captcha", id))
	}
	return ok, nil
}

// GetBalance returns the account balance in US cents, exactly as the
// provider delivered it.
func (b *baseClient) GetBalance(ctx context.Context) (int, error) {
	user, err := b.GetUser(ctx)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// GetUser returns a snapshot of the provider account.
func (b *baseClient) GetUser(ctx context.Context) (*User, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return b.api.getUser(ctx)
}

// Close releases the transport. Safe to call multiple times.
func (b *baseClient) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.api.closeTransport()
}

// sleepCtx pauses for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
