// Package mediator provides HTTP webhook mediation.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// connectTimeout and totalTimeout are fixed: the downstream contract is one
// POST per mediate() call, not an internally-retried RPC.
const (
	connectTimeout = 5 * time.Second
	totalTimeout   = 30 * time.Second

	delayServerError  = 10 * time.Second
	delayIOError      = 30 * time.Second
	delayCircuitOpen  = 60 * time.Second
	delayRetryDefault = 60 * time.Second
)

// HTTPVersion represents the HTTP protocol version to use.
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1.
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production).
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator.
type HTTPMediatorConfig struct {
	// HTTPVersion controls which HTTP version to use.
	HTTPVersion HTTPVersion
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		HTTPVersion: HTTPVersion2,
	}
}

// DevHTTPMediatorConfig returns config suitable for development, where
// HTTP/2 prior-knowledge negotiation tends to trip up local reverse proxies.
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// Factory builds one HTTPMediator per pool, all sharing a single
// connection-pooled *http.Client. Only the circuit breaker is per-pool.
type Factory struct {
	client *http.Client
}

// NewFactory creates a Factory with the shared HTTP client.
func NewFactory(cfg *HTTPMediatorConfig) *Factory {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	return &Factory{
		client: &http.Client{
			Timeout:   totalTimeout,
			Transport: transport,
		},
	}
}

// ForPool returns a Mediator scoped to one pool, with its own circuit
// breaker but the factory's shared HTTP client.
func (f *Factory) ForPool(poolCode string) *HTTPMediator {
	return &HTTPMediator{
		client:  f.client,
		breaker: breaker.New(poolCode),
	}
}

// HTTPMediator mediates messages via a single HTTP POST per call, guarded
// by a per-pool circuit breaker.
type HTTPMediator struct {
	client  *http.Client
	breaker *breaker.Breaker
}

// Process performs exactly one mediation attempt. Retries, if any, happen
// upstream via nack and redelivery — not inside this call.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("nil message"),
		}
	}
	if msg.MediationTarget == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("no mediation target"),
		}
	}

	var outcome *pool.MediationOutcome
	err := m.breaker.Execute(func() error {
		outcome = m.executeOnce(msg)
		if outcome.Result == pool.MediationResultSuccess || outcome.Result == pool.MediationResultErrorConfig {
			return nil
		}
		return outcome.Error
	})

	if errors.Is(err, breaker.ErrCallNotPermitted) {
		slog.Warn("circuit open, rejecting call", "messageGroupId", msg.MessageGroupID, "messageId", msg.ID, "target", msg.MediationTarget)
		delay := delayCircuitOpen
		return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Delay: &delay, Error: err}
	}

	return outcome
}

// executeOnce performs the single downstream POST and classifies the
// response per the status-code table: 2xx ack ⇒ success, 2xx ack=false ⇒
// nack with the response's delay, 429 ⇒ nack Retry-After, other 4xx ⇒
// config error, 5xx ⇒ nack 10s, I/O error/timeout ⇒ nack 30s.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer) *pool.MediationOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	defer cancel()

	body, err := json.Marshal(downstreamRequest{
		MessageID:     msg.ID,
		SQSMessageID:  nullableString(msg.SQSMessageID),
		MediationType: msg.MediationType,
	})
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, strings.NewReader(string(body)))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: fmt.Errorf("build request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleTransportError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return m.classifyResponse(msg, resp, respBody)
}

type downstreamRequest struct {
	MessageID     string  `json:"messageId"`
	SQSMessageID  *string `json:"sqsMessageId"`
	MediationType string  `json:"mediationType"`
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (m *HTTPMediator) handleTransportError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	slog.Warn("mediation request failed", "messageId", msg.ID, "target", msg.MediationTarget, "error", err)
	delay := delayIOError
	return &pool.MediationOutcome{Result: pool.MediationResultErrorProcess, Delay: &delay, Error: err}
}

// classifyResponse dispatches on status code, not merely the numeric class,
// so it can still reach into resp for the Retry-After header on 429s.
func (m *HTTPMediator) classifyResponse(msg *pool.MessagePointer, resp *http.Response, body []byte) *pool.MediationOutcome {
	statusCode := resp.StatusCode
	switch {
	case statusCode >= 200 && statusCode < 300:
		ack := parseAck(body)
		if ack != nil && !*ack {
			delay := parseDelaySeconds(body)
			slog.Info("target returned ack=false", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
				Error:       fmt.Errorf("target returned ack=false"),
			}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode}

	case statusCode == http.StatusTooManyRequests:
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      retryAfterDelay(resp),
			Error:      fmt.Errorf("HTTP %d", statusCode),
		}

	case statusCode >= 400 && statusCode < 500:
		slog.Warn("downstream config error, acking", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
			Error:      fmt.Errorf("HTTP %d", statusCode),
		}

	case statusCode >= 500:
		delay := delayServerError
		slog.Warn("downstream server error, nacking", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      &delay,
			Error:      fmt.Errorf("HTTP %d", statusCode),
		}

	default:
		delay := delayServerError
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      &delay,
			Error:      fmt.Errorf("HTTP %d", statusCode),
		}
	}
}

func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

func parseDelaySeconds(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil || response.DelaySeconds == nil || *response.DelaySeconds <= 0 {
		return nil
	}
	d := time.Duration(*response.DelaySeconds) * time.Second
	return &d
}

// retryAfterDelay reads the Retry-After response header, defaulting to 60s
// when absent or unparsable. resp is accepted as *http.Response so callers
// that have one can pass it; nil always yields the default.
func retryAfterDelay(resp *http.Response) *time.Duration {
	d := delayRetryDefault
	if resp == nil {
		return &d
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return &d
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		parsed := time.Duration(seconds) * time.Second
		return &parsed
	}
	if when, err := http.ParseTime(raw); err == nil {
		if until := time.Until(when); until > 0 {
			return &until
		}
	}
	return &d
}
