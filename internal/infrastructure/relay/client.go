// Package relay is the client side of the relay server REST API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/circuitbreaker"
	apperrors "github.com/lza051119/chat8/pkg/errors"
	"github.com/lza051119/chat8/pkg/retry"
	"github.com/lza051119/chat8/pkg/tracing"

	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

type ClientConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	ReadRetries int
	Breaker     circuitbreaker.Config
}

// Client implements ports.RelayAPI. Reads are retried; every call goes
// through one circuit breaker.
type Client struct {
	base        *url.URL
	token       string
	http        *http.Client
	readBackoff retry.Backoff
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.SugaredLogger
}

var _ ports.RelayAPI = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid relay base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = countsAgainstBreaker
	breaker := circuitbreaker.New(breakerCfg)

	c := &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		readBackoff: retry.Backoff{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			MaxAttempts:  cfg.ReadRetries,
		},
		breaker: breaker,
		logger:  logger.With("component", "relay_client"),
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("relay circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return c, nil
}

// statusError is a non-2xx answer from the relay.
type statusError struct {
	Status int
	Text   string
}

func (e *statusError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("relay answered %d", e.Status)
	}
	return fmt.Sprintf("relay answered %d: %s", e.Status, e.Text)
}

// Client errors say nothing about relay health.
func countsAgainstBreaker(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) SendMessage(ctx context.Context, req ports.RelaySendRequest) (*ports.RelaySendResponse, error) {
	var msg Message
	if err := c.write(ctx, "send_message", http.MethodPost, "messages", req, &msg); err != nil {
		return nil, err
	}
	resp := &ports.RelaySendResponse{ID: string(msg.ID)}
	if msg.Timestamp != nil {
		resp.Timestamp = msg.Timestamp.Time
	}
	return resp, nil
}

func (c *Client) History(ctx context.Context, peer domain.PeerID, page, limit int) ([]*domain.MessageRecord, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var resp HistoryResponse
	if err := c.read(ctx, "history", "messages/history/"+url.PathEscape(string(peer)), q, &resp); err != nil {
		return nil, err
	}

	out := make([]*domain.MessageRecord, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, m.Record())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *Client) UserStatus(ctx context.Context, peer domain.PeerID) (*domain.PresenceRecord, error) {
	var resp UserStatusResponse
	if err := c.read(ctx, "user_status", "users/"+url.PathEscape(string(peer))+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Record(peer), nil
}

func (c *Client) RegisterCapability(ctx context.Context, supportsDirect bool, capabilities map[string]bool) error {
	req := CapabilityRequest{SupportsP2P: supportsDirect, Capabilities: []string{}}
	for name, on := range capabilities {
		if on {
			req.Capabilities = append(req.Capabilities, name)
		}
	}
	sort.Strings(req.Capabilities)
	return c.write(ctx, "register_capability", http.MethodPost, "users/p2p-capability", req, nil)
}

func (c *Client) SetPresence(ctx context.Context, status string) error {
	return c.write(ctx, "set_presence", http.MethodPost, "presence/status", StatusRequest{Status: status}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.write(ctx, "delete_message", http.MethodDelete, "messages/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.write(ctx, "heartbeat", http.MethodPost, "presence/heartbeat", nil, nil)
}

func (c *Client) read(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.call(ctx, op, func(ctx context.Context) error {
		return retry.Do(ctx, c.readBackoff, func(ctx context.Context) error {
			err := c.breaker.Do(func() error {
				return c.roundTrip(ctx, http.MethodGet, path, query, nil, out)
			})
			if err != nil && !retryable(err) {
				return retry.Stop(err)
			}
			return err
		})
	})
}

func (c *Client) write(ctx context.Context, op, method, path string, body, out any) error {
	return c.call(ctx, op, func(ctx context.Context) error {
		return c.breaker.Do(func() error {
			return c.roundTrip(ctx, method, path, nil, body, out)
		})
	})
}

func retryable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := tracing.TraceRelay(ctx, op)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}

	tracing.RecordError(ctx, err)
	c.logger.Debugw("relay call failed", "operation", op, "error", err)

	status := 0
	var se *statusError
	switch {
	case errors.As(err, &se):
		status = se.Status
	case errors.Is(err, circuitbreaker.ErrOpen):
		status = http.StatusServiceUnavailable
	}
	return apperrors.NewRelayError(fmt.Errorf("%w: %w", domain.ErrRelay, err), fmt.Sprintf("relay %s failed", op), status)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Stop(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return retry.Stop(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb ErrorBody
		text := string(raw)
		if json.Unmarshal(raw, &eb) == nil && eb.text() != "" {
			text = eb.text()
		}
		return &statusError{Status: resp.StatusCode, Text: text}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
