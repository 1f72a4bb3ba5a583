package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultBatchSize      = 64
	defaultDrainInterval  = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Config controls a Reporter's target and retry behaviour.
type Config struct {
	// CollectorAddr is the base URL of the collector's REST API, e.g.
	// "https://collector.example.com". Required.
	CollectorAddr string

	// CollectorToken is sent as a bearer token on every request. Optional.
	CollectorToken string

	// BatchSize caps how many records one POST carries. Defaults to 64.
	BatchSize int

	// DrainInterval is how often the reporter checks the queue for new
	// undelivered records when it is not actively backing off. Defaults to
	// 2 seconds.
	DrainInterval time.Duration

	// InitialBackoff is the starting retry interval after a failed POST.
	// Defaults to 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry interval. Defaults to 2 minutes.
	MaxBackoff time.Duration

	// Hostname identifies this warden instance to the collector. Defaults
	// to os.Hostname().
	Hostname string
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = defaultDrainInterval
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		c.Hostname = h
	}
}

// transitionWire is the JSON shape POSTed to the collector's
// /api/v1/transitions endpoint.
type transitionWire struct {
	WatchName  string `json:"watch_name"`
	PID        int    `json:"pid"`
	From       string `json:"from"`
	To         string `json:"to"`
	Hostname   string `json:"hostname"`
	OccurredAt int64  `json:"occurred_at_us"`
}

// Reporter drains a Queue and delivers batches to a remote collector over
// HTTP, retrying with exponential backoff on any delivery failure. It never
// blocks the state machines enqueuing into the same Queue: drain and
// delivery happen entirely on Reporter's own goroutine, mirroring the
// teacher's GRPCTransport.connectLoop running independently of Agent's
// watcher goroutines.
type Reporter struct {
	cfg    Config
	queue  *Queue
	logger *slog.Logger
	client *http.Client

	stop chan struct{}
	done chan struct{}
}

// NewReporter builds a Reporter that drains queue and delivers to cfg's
// collector. Call Run to start draining.
func NewReporter(cfg Config, queue *Queue, logger *slog.Logger) *Reporter {
	cfg.applyDefaults()
	return &Reporter{
		cfg:    cfg,
		queue:  queue,
		logger: logger,
		client: &http.Client{Timeout: defaultRequestTimeout},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled or Stop is called. It is
// intended to be run in its own goroutine.
func (r *Reporter) Run(ctx context.Context) {
	defer close(r.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	ticker := time.NewTicker(r.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
		}

		for {
			delivered, err := r.drainOnce(ctx)
			if err != nil {
				r.logger.Warn("report: delivery failed",
					slog.Any("error", err), slog.String("collector_addr", r.cfg.CollectorAddr))
				wait := b.NextBackOff()
				select {
				case <-ctx.Done():
					return
				case <-r.stop:
					return
				case <-time.After(wait):
				}
				break
			}
			b.Reset()
			if !delivered {
				break
			}
		}
	}
}

// drainOnce dequeues one batch and, if non-empty, POSTs it. It returns
// delivered=true if a non-empty batch was successfully delivered and acked,
// signalling the caller to immediately check for more.
func (r *Reporter) drainOnce(ctx context.Context) (delivered bool, err error) {
	batch, err := r.queue.Dequeue(ctx, r.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}

	wire := make([]transitionWire, len(batch))
	ids := make([]int64, len(batch))
	for i, pr := range batch {
		wire[i] = transitionWire{
			WatchName:  pr.Record.WatchName,
			PID:        pr.Record.PID,
			From:       pr.Record.From.String(),
			To:         pr.Record.To.String(),
			Hostname:   pr.Hostname,
			OccurredAt: pr.OccurredAt.UnixMicro(),
		}
		ids[i] = pr.ID
	}

	if err := r.post(ctx, wire); err != nil {
		return false, err
	}
	if err := r.queue.Ack(ctx, ids); err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}
	return true, nil
}

func (r *Reporter) post(ctx context.Context, wire []transitionWire) error {
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	url := r.cfg.CollectorAddr + "/api/v1/transitions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.CollectorToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.CollectorToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// Stop signals Run to exit and waits for it to do so. Safe to call multiple
// times.
func (r *Reporter) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}
