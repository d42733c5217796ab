package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const (
	roleHost       = "https://api-takumi.mihoyo.com"
	calculatorHost = "https://act-api-takumi.mihoyo.com"
	recordHost     = "https://api-takumi-record.mihoyo.com"
)

// DeviceSource supplies the device identity for request headers.
type DeviceSource interface {
	Current(ctx context.Context) (DeviceIdentity, error)
	Refresh(ctx context.Context) (DeviceIdentity, error)
}

// CookieRefresher renews the passport cookie token.
type CookieRefresher interface {
	HasStoredCredential(ctx context.Context) bool
	EnsureCookie(ctx context.Context, force bool) error
}

// SessionEnsurer lazily resolves the acting game role.
type SessionEnsurer interface {
	Ensure(ctx context.Context) (*UserSession, error)
}

// RequestOptions describes one vendor API call. Params must be strings or
// numbers. Body, when set, is sent as JSON.
type RequestOptions struct {
	Method  string
	Params  map[string]any
	Body    any
	Headers map[string]string
}

// retryState records which recoveries a request already used. Each fires at
// most once, so a request is sent at most three times.
type retryState struct {
	authRetried        bool
	fingerprintRetried bool
}

// Gateway sends every vendor API request, recovering once from a rejected
// fingerprint and once from an expired passport session.
type Gateway struct {
	client     HTTPDoer
	device     DeviceSource
	passport   CookieRefresher
	sessions   SessionEnsurer
	profile    *AppProfile
	cfg        Config
	classifier authClassifier
	fpRetcodes map[int]struct{}
	logger     Logger
	metrics    *GatewayMetrics
}

func NewGateway(client HTTPDoer, device DeviceSource, passport CookieRefresher, profile *AppProfile, cfg Config, logger Logger, metrics *GatewayMetrics) *Gateway {
	fpRetcodes := make(map[int]struct{}, len(cfg.FingerprintRetcodes))
	for _, code := range cfg.FingerprintRetcodes {
		fpRetcodes[code] = struct{}{}
	}
	return &Gateway{
		client:     client,
		device:     device,
		passport:   passport,
		profile:    profile,
		cfg:        cfg,
		classifier: newAuthClassifier(cfg),
		fpRetcodes: fpRetcodes,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetSessionEnsurer wires the session cache used before calculator calls.
func (g *Gateway) SetSessionEnsurer(s SessionEnsurer) {
	g.sessions = s
}

// Request sends a request through g and decodes the envelope's data into T.
func Request[T any](ctx context.Context, g *Gateway, endpoint, baseURL string, opts RequestOptions) (*ApiResponse[T], error) {
	raw, err := g.Do(ctx, endpoint, baseURL, opts)
	if err != nil {
		return nil, err
	}

	out := &ApiResponse[T]{Retcode: raw.Retcode, Message: raw.Message}
	if len(raw.Data) > 0 && !bytes.Equal(raw.Data, []byte("null")) {
		if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
			return nil, fmt.Errorf("%s: failed to decode data: %w", endpoint, err)
		}
	}
	return out, nil
}

// Do sends the request and returns the envelope with data left raw.
func (g *Gateway) Do(ctx context.Context, endpoint, baseURL string, opts RequestOptions) (*ApiResponse[json.RawMessage], error) {
	return g.do(ctx, endpoint, baseURL, opts, retryState{})
}

func (g *Gateway) do(ctx context.Context, endpoint, baseURL string, opts RequestOptions, state retryState) (*ApiResponse[json.RawMessage], error) {
	if baseURL == calculatorHost && g.sessions != nil {
		if _, err := g.sessions.Ensure(ctx); err != nil {
			return nil, err
		}
	}

	target, err := buildURL(baseURL, endpoint, opts.Params)
	if err != nil {
		return nil, err
	}

	headers, err := g.headers(ctx, opts)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		payload, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header = headers

	start := time.Now()
	resp, err := g.doRequest(req)
	if err != nil {
		g.metrics.observeRequest(endpoint, "transport_error", time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := readResponseBody(resp)
	if err != nil {
		g.metrics.observeRequest(endpoint, "transport_error", time.Since(start))
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	if !isHTTPSuccess(resp.StatusCode) {
		g.metrics.observeRequest(endpoint, "http_error", time.Since(start))
		if !state.authRetried && isPassportAuthHTTPStatus(resp.StatusCode) && g.canRefreshAuth(ctx) {
			reason := AuthFailureReason{Kind: AuthFailureHTTPStatus, Status: resp.StatusCode}
			if err := g.refreshAuth(ctx, endpoint, reason); err != nil {
				return nil, err
			}
			state.authRetried = true
			return g.do(ctx, endpoint, baseURL, opts, state)
		}
		return nil, &HttpRequestError{Status: resp.StatusCode, StatusText: statusText(resp), Context: endpoint}
	}

	var envelope ApiResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		g.metrics.observeRequest(endpoint, "decode_error", time.Since(start))
		return nil, fmt.Errorf("%s: failed to parse response: %w (body: %s)", endpoint, err, truncate(string(raw), 200))
	}

	if envelope.Retcode == 0 {
		g.metrics.observeRequest(endpoint, "ok", time.Since(start))
		return &envelope, nil
	}
	g.metrics.observeRequest(endpoint, "api_error", time.Since(start))

	if g.isFingerprintRetcode(envelope.Retcode) && !state.fingerprintRetried {
		g.logger.Log("%s: retcode %d, refreshing device fingerprint", endpoint, envelope.Retcode)
		_, err := g.device.Refresh(ctx)
		g.metrics.observeRecovery("fingerprint", err)
		if err != nil {
			return nil, &DeviceFingerprintRefreshError{Retcode: envelope.Retcode, Message: envelope.Message, Cause: err}
		}
		state.fingerprintRetried = true
		return g.do(ctx, endpoint, baseURL, opts, state)
	}

	if !state.authRetried && g.classifier.isPassportAuthRetcode(envelope.Retcode, envelope.Message) && g.canRefreshAuth(ctx) {
		reason := AuthFailureReason{Kind: AuthFailureRetcode, Retcode: envelope.Retcode, Message: envelope.Message}
		if err := g.refreshAuth(ctx, endpoint, reason); err != nil {
			return nil, err
		}
		state.authRetried = true
		return g.do(ctx, endpoint, baseURL, opts, state)
	}

	return nil, &ApiResponseError{Retcode: envelope.Retcode, Message: envelope.Message, Context: endpoint}
}

func (g *Gateway) isFingerprintRetcode(code int) bool {
	_, ok := g.fpRetcodes[code]
	return ok
}

func (g *Gateway) canRefreshAuth(ctx context.Context) bool {
	return g.passport != nil && g.passport.HasStoredCredential(ctx)
}

func (g *Gateway) refreshAuth(ctx context.Context, endpoint string, reason AuthFailureReason) error {
	g.logger.Log("%s: auth failure (%s), refreshing passport cookie", endpoint, reason)
	err := g.passport.EnsureCookie(ctx, true)
	g.metrics.observeRecovery("auth", err)
	if err != nil {
		return fmt.Errorf("%s: passport refresh after %s failed: %w", endpoint, reason, err)
	}
	return nil
}

// headers merges device headers with the caller's. It refuses to produce
// headers carrying the sentinel fingerprint.
func (g *Gateway) headers(ctx context.Context, opts RequestOptions) (http.Header, error) {
	id, err := g.device.Current(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("x-rpc-device_fp", id.DeviceFp)
	h.Set("x-rpc-device_id", id.DeviceID)
	h.Set("x-rpc-app_version", g.profile.AppVersion)
	h.Set("x-rpc-client_type", g.profile.ClientType)
	h.Set("user-agent", g.profile.UserAgent)
	h.Set("accept", "application/json, text/plain, */*")
	h.Set("origin", "https://act.mihoyo.com")
	h.Set("referer", g.profile.Referer)
	h.Set("accept-encoding", "gzip, deflate, br")
	h.Set("accept-language", "zh-CN,zh;q=0.9")
	h[http.HeaderOrderKey] = []string{
		"content-length",
		"x-rpc-device_fp",
		"x-rpc-device_id",
		"x-rpc-app_version",
		"x-rpc-client_type",
		"user-agent",
		"content-type",
		"accept",
		"origin",
		"referer",
		"accept-encoding",
		"accept-language",
		"cookie",
	}
	h[http.PHeaderOrderKey] = PseudoHeaderOrder
	if opts.Body != nil {
		h.Set("content-type", "application/json")
	}
	for k, v := range opts.Headers {
		h.Set(k, v)
	}

	if fp := h.Get("x-rpc-device_fp"); fp == "" || fp == sentinelDeviceFp {
		return nil, &InvalidDeviceFingerprintError{DeviceFp: fp}
	}
	return h, nil
}

// doRequest executes an HTTP request and logs the request URL and response status code.
func (g *Gateway) doRequest(req *http.Request) (*http.Response, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Log("%s %s -> error: %v", req.Method, req.URL.Path, err)
		return nil, err
	}
	g.logger.Log("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	return resp, nil
}
