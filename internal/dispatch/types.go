package dispatch

import (
	"time"

	kit "rollcall/internal/transport"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Config controls fan-out limits. Zero pacing and jitter fields disable
// them; DefaultConfig holds the production values:
//   - max_in_flight: 15
//   - send_delay: 100ms, send_jitter: 100ms
//   - max_retries: 3 (retries after the first attempt)
//   - retry_base: 1s, retry_jitter: 1s, retry_max_delay: 30s
//   - send_timeout: 10s
//   - rate_per_sec: 0 (no global limit)
type Config struct {
	MaxInFlight   int
	SendDelay     time.Duration
	SendJitter    time.Duration
	RatePerSec    float64
	Burst         int
	MaxRetries    int
	RetryBase     time.Duration
	RetryJitter   time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 15
	}
	if c.SendDelay < 0 {
		c.SendDelay = 0
	}
	if c.SendJitter < 0 {
		c.SendJitter = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// DefaultConfig mirrors the production pacing.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 15,
		SendDelay:   100 * time.Millisecond,
		SendJitter:  100 * time.Millisecond,
		MaxRetries:  3,
		RetryBase:   time.Second,
		RetryJitter: time.Second,
	}.withDefaults()
}

type Outcome struct {
	RecipientID int64          `json:"recipient_id"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	Ref         kit.MessageRef `json:"ref,omitzero"`
	Err         error          `json:"-"`
	Error       string         `json:"error,omitempty"`
}

func (o *Outcome) setErr(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

func (o *Outcome) fail(attempts int, err error) {
	o.Status = StatusFailed
	o.Attempts = attempts
	o.setErr(err)
}

type Report struct {
	BatchID  string        `json:"batch_id"`
	EventID  int64         `json:"event_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcomes []Outcome     `json:"outcomes"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
}

// Summary is a Report without per-recipient detail.
type Summary struct {
	BatchID  string        `json:"batch_id"`
	EventID  int64         `json:"event_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Total    int           `json:"total"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
}

func (r Report) Summary() Summary {
	return Summary{
		BatchID:  r.BatchID,
		EventID:  r.EventID,
		Started:  r.Started,
		Duration: r.Duration,
		Total:    len(r.Outcomes),
		Sent:     r.Sent,
		Skipped:  r.Skipped,
		Failed:   r.Failed,
	}
}
