// Package cartapi talks to the backend cart service.
package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/platform/httpx"
	"finitefield.org/storefront/internal/platform/observability"
)

const instrumentationName = "finitefield.org/storefront/internal/cartapi"

// IdempotencyHeader carries a fresh key on every mutation.
const IdempotencyHeader = "Idempotency-Key"

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client implements cart.Remote over the cart REST API.
type Client struct {
	base    *url.URL
	client  HTTPClient
	logger  *zap.Logger
	tracer  trace.Tracer
	latency metric.Float64Histogram
}

// Option customises Client.
type Option func(*clientConfig)

type clientConfig struct {
	client HTTPClient
	logger *zap.Logger
	meter  metric.Meter
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *clientConfig) { c.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithMeter overrides the meter used for the latency histogram.
func WithMeter(meter metric.Meter) Option {
	return func(c *clientConfig) { c.meter = meter }
}

// NewClient builds a Client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("cartapi: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("cartapi: parse base URL: %w", err)
	}
	cfg := clientConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(instrumentationName)
	}
	latency, err := cfg.meter.Float64Histogram("storefront.cartapi.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of cart API calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("cartapi: register latency metric: %w", err)
	}
	return &Client{
		base:    parsed,
		client:  cfg.client,
		logger:  cfg.logger.Named("cartapi"),
		tracer:  otel.Tracer(instrumentationName),
		latency: latency,
	}, nil
}

// FetchCart implements cart.Remote.
func (c *Client) FetchCart(ctx context.Context, sess cart.Session) (cart.Cart, error) {
	resp, err := c.call(ctx, "fetch_cart", http.MethodGet, "cart", nil, sess)
	if err != nil {
		return cart.Cart{}, err
	}
	defer resp.Body.Close()

	var payload CartEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return cart.Cart{}, fmt.Errorf("cartapi: decode cart: %w", err)
	}
	return payload.Cart.Cart(), nil
}

// UpdateItemQuantity implements cart.Remote.
func (c *Client) UpdateItemQuantity(ctx context.Context, sess cart.Session, itemID string, quantity int) error {
	resp, err := c.call(ctx, "update_quantity", http.MethodPut, itemPath(itemID), QuantityRequest{Quantity: quantity}, sess)
	if err != nil {
		return err
	}
	return drain(resp)
}

// RemoveItem implements cart.Remote.
func (c *Client) RemoveItem(ctx context.Context, sess cart.Session, itemID string) error {
	resp, err := c.call(ctx, "remove_item", http.MethodDelete, itemPath(itemID), nil, sess)
	if err != nil {
		return err
	}
	return drain(resp)
}

// ClearCart implements cart.Remote.
func (c *Client) ClearCart(ctx context.Context, sess cart.Session) error {
	resp, err := c.call(ctx, "clear_cart", http.MethodDelete, "cart/items", nil, sess)
	if err != nil {
		return err
	}
	return drain(resp)
}

func itemPath(itemID string) string {
	return "cart/items/" + url.PathEscape(strings.TrimSpace(itemID))
}

// call sends one request. Non-2xx responses become *cart.RemoteError.
func (c *Client) call(ctx context.Context, op, method, endpoint string, payload any, sess cart.Session) (*http.Response, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "cartapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method)),
	)
	defer span.End()

	req, err := c.newRequest(ctx, method, endpoint, payload, sess)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := c.client.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Int("status", status),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, &cart.RemoteError{Err: fmt.Errorf("cartapi: %s: %w", op, err)}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if status < 200 || status > 299 {
		defer resp.Body.Close()
		envelope := httpx.ReadError(resp)
		remoteErr := &cart.RemoteError{
			Status:  envelope.Status,
			Code:    envelope.Code,
			Message: envelope.Message,
		}
		span.SetStatus(codes.Error, remoteErr.Error())
		c.logger.Debug("cart api rejected request",
			zap.String("op", op),
			zap.Int("status", status),
			zap.String("code", envelope.Code),
			zap.String("request_id", envelope.RequestID),
		)
		return nil, remoteErr
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, payload any, sess cart.Session) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("cartapi: encode payload: %w", err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("cartapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}
	if method != http.MethodGet {
		req.Header.Set(IdempotencyHeader, ulid.Make().String())
	}
	observability.InjectHeaders(req)
	return req, nil
}

func drain(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Body.Close()
}
