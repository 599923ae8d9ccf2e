package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jmcleod/trustgate/urlguard"
)

const (
	defaultQueueSize  = 1024
	defaultRetryDelay = time.Second
	userAgent         = "Trustgate-Webhook/1.0"
)

var (
	ErrQueueFull        = errors.New("webhook: delivery queue full")
	ErrDispatcherClosed = errors.New("webhook: dispatcher closed")
)

// Event is the body of an outbound delivery.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Target is a registered receiver.
type Target struct {
	WebhookID string
	URL       string
}

type delivery struct {
	target Target
	body   []byte
}

// Dispatcher delivers signed events to receivers. Deliveries are queued
// without blocking and sent by a background goroutine; a full queue drops
// the event. A 5xx response or transport error is retried once.
type Dispatcher struct {
	engine     *Engine
	guard      *urlguard.Validator
	client     *http.Client
	retryDelay time.Duration
	queueSize  int
	timeout    time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.client = c
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.queueSize = n
	}
}

// WithDeliveryTimeout bounds each attempt of the default client. It has no
// effect together with WithHTTPClient.
func WithDeliveryTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.timeout = d
	}
}

func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryDelay = delay
	}
}

// NewDispatcher starts a dispatcher signing with engine. Target URLs are
// checked with guard at enqueue time and every dialed address is checked
// again at connect time. A nil guard disables both checks.
func NewDispatcher(engine *Engine, guard *urlguard.Validator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:     engine,
		guard:      guard,
		retryDelay: defaultRetryDelay,
		queueSize:  defaultQueueSize,
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{
			Timeout:   d.timeout,
			Transport: guardedTransport(guard != nil),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	d.queue = make(chan delivery, d.queueSize)
	d.wg.Add(1)
	go d.loop()
	return d
}

// Enqueue schedules evt for delivery to target. It never blocks.
func (d *Dispatcher) Enqueue(ctx context.Context, target Target, evt Event) error {
	if d.guard != nil {
		u, err := d.guard.Validate(ctx, target.URL)
		if err != nil {
			return err
		}
		target.URL = u.String()
	}
	body, err := Canonicalize(evt)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- delivery{target: target, body: body}:
		return nil
	default:
		d.engine.logger.Warn("webhook delivery queue full, dropping event",
			"webhook_id", target.WebhookID, "event", evt.Type)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for dl := range d.queue {
		d.send(dl)
	}
}

func (d *Dispatcher) send(dl delivery) {
	logger := d.engine.logger.With("webhook_id", dl.target.WebhookID)
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryDelay)
		}

		// Re-signed per attempt so the retry carries a fresh timestamp.
		sig, ts, err := d.engine.Sign(ctx, dl.target.WebhookID, dl.body, nil)
		if err != nil {
			logger.Warn("webhook delivery: signing failed", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dl.target.URL, bytes.NewReader(dl.body))
		if err != nil {
			logger.Warn("webhook delivery: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set(HeaderSignature, sig)
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderWebhook, dl.target.WebhookID)

		resp, err := d.client.Do(req)
		if err != nil {
			logger.Warn("webhook delivery: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			logger.Debug("webhook delivered", "status", resp.StatusCode)
			return
		case resp.StatusCode >= 500:
			logger.Warn("webhook delivery: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			logger.Warn("webhook delivery: client error", "status", resp.StatusCode)
			return
		}
	}
}

// guardedTransport refuses connections to blocked addresses, which covers
// hostnames that resolve differently between validation and dial.
func guardedTransport(guarded bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !guarded {
		return t
	}
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("webhook: dial %s: %w", address, err)
			}
			if urlguard.IsBlockedAddr(ap.Addr()) {
				return fmt.Errorf("webhook: dial %s: blocked address", address)
			}
			return nil
		},
	}
	t.DialContext = dialer.DialContext
	t.Proxy = nil
	return t
}
