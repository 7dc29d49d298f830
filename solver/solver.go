// Package solver is an agent-friendly facade over the transport
// clients. It adds standardized results, retry with exponential
// backoff, cost accounting and budget-bounded batch solving, but no
// wire behavior of its own.
package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	dbc "github.com/dbcapi/go-deathbycaptcha"
)

// Result is the standardized outcome of one solve attempt, shaped for
// JSON serialization toward agents.
type Result struct {
	Success   bool    `json:"success"`
	Text      string  `json:"text,omitempty"`
	CaptchaID int64   `json:"captcha_id,omitempty"`
	IsCorrect bool    `json:"is_correct,omitempty"`
	Error     string  `json:"error,omitempty"`
	CostCents int     `json:"cost_cents,omitempty"`
	Seconds   float64 `json:"time_seconds"`
}

// Config tunes retry and budget behavior.
type Config struct {
	// Timeout is the per-attempt solving budget passed down to Decode.
	Timeout time.Duration

	// MaxAttempts bounds Decode attempts per Solve call.
	MaxAttempts int

	// Backoff applies between attempts.
	Backoff dbc.BackoffConfig

	// MinBalance stops batch solving once the balance (cents) drops
	// below it.
	MinBalance int
}

func (cfg *Config) defaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = dbc.DefaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == (dbc.BackoffConfig{}) {
		cfg.Backoff = dbc.BackoffConfig{
			InitialWait: 1 * time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2.0,
			JitterPct:   0.3,
		}
	}
	if cfg.MinBalance == 0 {
		cfg.MinBalance = 100
	}
}

// Solver wraps a transport client for agent use.
type Solver struct {
	client dbc.Client
	cfg    Config
	dl     *Downloader
}

// New creates a Solver on top of an existing client. The client is
// owned by the caller unless Close is used.
func New(client dbc.Client, cfg Config) *Solver {
	cfg.defaults()
	return &Solver{client: client, cfg: cfg, dl: NewDownloader()}
}

// Solve solves one CAPTCHA with retry. Access-denied and validation
// failures are terminal and never retried; anything else is retried
// with backoff up to Config.MaxAttempts.
func (s *Solver) Solve(ctx context.Context, image io.Reader, opts ...dbc.DecodeOption) *Result {
	start := time.Now()

	var data []byte
	if image != nil {
		var err error
		if data, err = io.ReadAll(image); err != nil {
			return s.failure(start, fmt.Errorf("read image: %w", err))
		}
	}

	// Cost is tracked by sampling the balance around the solve.
	before, balErr := s.client.GetBalance(ctx)

	// Caller options may still override the configured timeout.
	opts = append([]dbc.DecodeOption{dbc.WithTimeout(s.cfg.Timeout)}, opts...)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.Backoff.Duration(attempt-1)); err != nil {
				return s.failure(start, err)
			}
		}

		var src io.Reader
		if data != nil {
			src = bytes.NewReader(data)
		}
		captcha, err := s.client.Decode(ctx, src, opts...)
		switch {
		case err == nil && captcha.Solved():
			res := &Result{
				Success:   true,
				Text:      captcha.Text,
				CaptchaID: captcha.ID,
				IsCorrect: captcha.Correctness == dbc.CorrectnessCorrect,
				Seconds:   time.Since(start).Seconds(),
			}
			if balErr == nil {
				if after, err := s.client.GetBalance(ctx); err == nil {
					res.CostCents = before - after
				}
			}
			slog.Info("captcha solved",
				slog.Int64("captcha", res.CaptchaID),
				slog.Int("cost_cents", res.CostCents),
				slog.Float64("seconds", res.Seconds))
			return res

		case err == nil:
			lastErr = errors.New("captcha not solved before timeout")

		case errors.Is(err, dbc.ErrAccessDenied), errors.Is(err, dbc.ErrInvalidCaptcha), errors.Is(err, dbc.ErrClosed):
			return s.failure(start, err)

		default:
			lastErr = err
			slog.Warn("solve attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
		}
	}
	return s.failure(start, lastErr)
}

func (s *Solver) failure(start time.Time, err error) *Result {
	res := &Result{Success: false, Seconds: time.Since(start).Seconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// SolveFile solves a CAPTCHA read from a file path.
func (s *Solver) SolveFile(ctx context.Context, path string, opts ...dbc.DecodeOption) *Result {
	f, err := os.Open(path)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	defer f.Close()
	return s.Solve(ctx, f, opts...)
}

// SolveURL downloads an image and solves it.
func (s *Solver) SolveURL(ctx context.Context, url string, opts ...dbc.DecodeOption) *Result {
	data, err := s.dl.Download(url)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	return s.Solve(ctx, bytes.NewReader(data), opts...)
}

// SolveBatch solves images sequentially. It stops early once
// budgetCents has been spent (0 disables the budget), the balance
// drops below Config.MinBalance, or the context is cancelled.
func (s *Solver) SolveBatch(ctx context.Context, images [][]byte, budgetCents int, opts ...dbc.DecodeOption) []*Result {
	initial, balErr := s.client.GetBalance(ctx)

	var results []*Result
	for i, img := range images {
		if ctx.Err() != nil {
			break
		}
		if current, err := s.client.GetBalance(ctx); err == nil {
			if current < s.cfg.MinBalance {
				slog.Warn("balance below minimum, stopping batch",
					slog.Int("balance_cents", current),
					slog.Int("min_cents", s.cfg.MinBalance))
				break
			}
			if budgetCents > 0 && balErr == nil && initial-current >= budgetCents {
				slog.Info("batch budget exhausted",
					slog.Int("spent_cents", initial-current),
					slog.Int("budget_cents", budgetCents))
				break
			}
		}

		res := s.Solve(ctx, bytes.NewReader(img), opts...)
		results = append(results, res)
		slog.Debug("batch progress",
			slog.Int("done", i+1),
			slog.Int("total", len(images)),
			slog.Bool("success", res.Success))
	}
	return results
}

// Report flags a CAPTCHA as incorrectly solved for a refund.
func (s *Solver) Report(ctx context.Context, id int64) bool {
	ok, err := s.client.Report(ctx, id)
	if err != nil {
		slog.Warn("report failed", slog.Int64("captcha", id), slog.Any("error", err))
		return false
	}
	return ok
}

// Balance returns the account balance in US cents.
func (s *Solver) Balance(ctx context.Context) (int, error) {
	return s.client.GetBalance(ctx)
}

// User returns the provider account snapshot.
func (s *Solver) User(ctx context.Context) (*dbc.User, error) {
	return s.client.GetUser(ctx)
}

// Close closes the underlying client.
func (s *Solver) Close() error {
	return s.client.Close()
}

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
