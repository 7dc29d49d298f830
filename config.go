package deathbycaptcha

import (
	"math/rand"
	"time"
)

// APIVersion identifies this client to the provider. Sent as the
// "version" field on socket requests and as the HTTP User-Agent.
const APIVersion = "DBC/Go v4.7.0"

// Provider endpoints.
const (
	SocketHost     = "api.dbcapi.me"
	HTTPBaseURL    = "http://api.dbcapi.me/api"
	socketPortLow  = 8123
	socketPortHigh = 8130
)

// Provider-recommended solving deadlines. Token-based types take
// longer to solve than plain images.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultTokenTimeout = 120 * time.Second
)

// defaultPollSchedule is the provider-recommended sequence of waits
// between status polls. After the schedule is exhausted polling
// continues at defaultPollInterval.
var defaultPollSchedule = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	2 * time.Second,
	2 * time.Second,
	3 * time.Second,
	2 * time.Second,
	2 * time.Second,
}

const defaultPollInterval = 5 * time.Second

// BackoffConfig controls exponential backoff for transient failures.
type BackoffConfig struct {
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	JitterPct   float64
}

// Duration returns the wait before the given retry attempt (0-based).
func (b BackoffConfig) Duration(attempt int) time.Duration {
	wait := float64(b.InitialWait)
	for i := 0; i < attempt; i++ {
		wait *= b.Multiplier
		if wait >= float64(b.MaxWait) {
			wait = float64(b.MaxWait)
			break
		}
	}
	if b.JitterPct > 0 {
		wait += wait * b.JitterPct * (2*rand.Float64() - 1)
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// Config holds credentials and transport tuning for a client. Exactly
// one credential form is used: Authtoken when set, otherwise
// Username/Password. Credentials are immutable for the client's
// lifetime.
type Config struct {
	Username  string
	Password  string
	Authtoken string

	// SocketHost and BaseURL override the provider endpoints,
	// primarily for tests.
	SocketHost string
	BaseURL    string

	// SocketPorts is the inclusive port range for socket connections;
	// a port is picked at random per connection attempt.
	SocketPorts [2]int

	// DefaultTimeout bounds Decode when no per-call timeout is given.
	DefaultTimeout time.Duration

	// PollSchedule is the sequence of waits between status polls;
	// PollInterval applies once the schedule is exhausted.
	PollSchedule []time.Duration
	PollInterval time.Duration

	// Backoff applies to transient failures during polling and to
	// socket reconnect attempts.
	Backoff BackoffConfig

	// MaxPollRetries bounds consecutive transient failures tolerated
	// inside one Decode call.
	MaxPollRetries int

	// MaxReconnects bounds reconnect attempts per socket operation.
	MaxReconnects int

	// HTTPTimeout is the per-request timeout for the stateless client
	// and the per-exchange deadline for socket calls.
	HTTPTimeout time.Duration
}

// defaults fills in zero-value config fields with sensible defaults.
func (cfg *Config) defaults() {
	if cfg.SocketHost == "" {
		cfg.SocketHost = SocketHost
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = HTTPBaseURL
	}
	if cfg.SocketPorts == [2]int{} {
		cfg.SocketPorts = [2]int{socketPortLow, socketPortHigh}
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PollSchedule == nil {
		cfg.PollSchedule = defaultPollSchedule
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = BackoffConfig{
			InitialWait: 1 * time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2.0,
			JitterPct:   0.3,
		}
	}
	if cfg.MaxPollRetries == 0 {
		cfg.MaxPollRetries = 3
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 2
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
}

// pollWait returns the wait before poll number n (0-based).
func (cfg *Config) pollWait(n int) time.Duration {
	if n < len(cfg.PollSchedule) {
		return cfg.PollSchedule[n]
	}
	return cfg.PollInterval
}

// authFields returns the credential fields attached to every request.
func (cfg *Config) authFields() map[string]string {
	if cfg.Authtoken != "" {
		return map[string]string{"authtoken": cfg.Authtoken}
	}
	return map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	}
}
