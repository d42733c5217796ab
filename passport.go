package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"golang.org/x/sync/singleflight"
)

const (
	passportHost = "https://passport-api.mihoyo.com"

	cookieTokenBySTokenPath = "/account/auth/api/getCookieAccountInfoBySToken"
	verifyCookieTokenPath   = "/account/ma-cn-session/web/verifyCookieToken"

	// Cookies for every vendor host are scoped to this domain.
	vendorCookieURL    = "https://www.mihoyo.com/"
	vendorCookieDomain = ".mihoyo.com"
)

// CookieTokenResult is the short-lived credential minted from an stoken.
type CookieTokenResult struct {
	UID         string `json:"uid"`
	CookieToken string `json:"cookie_token"`
}

// Passport keeps a usable cookie token around, minting a new one from the
// stored stoken when the old one has expired.
type Passport struct {
	client     HTTPDoer
	jar        CookieJar
	tokens     *TokenStore
	device     DeviceSource
	profile    *AppProfile
	cfg        Config
	classifier authClassifier
	logger     Logger
	metrics    *GatewayMetrics
	now        func() time.Time
	group      singleflight.Group
}

// NewPassport creates the passport gateway. jar may be nil, in which case
// cookies are only sent explicitly.
func NewPassport(client HTTPDoer, jar CookieJar, tokens *TokenStore, device DeviceSource, profile *AppProfile, cfg Config, logger Logger, metrics *GatewayMetrics) *Passport {
	return &Passport{
		client:     client,
		jar:        jar,
		tokens:     tokens,
		device:     device,
		profile:    profile,
		cfg:        cfg,
		classifier: newAuthClassifier(cfg),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// HasStoredCredential reports whether an stoken is stored.
func (p *Passport) HasStoredCredential(ctx context.Context) bool {
	return p.tokens.HasStoken(ctx)
}

// EnsureCookie makes sure the role and profile endpoints will accept our
// cookies. Unless force is set, a cookie token refreshed within the TTL is
// trusted without asking the vendor. Concurrent calls with the same force
// share one check, so a burst of auth failures mints one cookie token.
func (p *Passport) EnsureCookie(ctx context.Context, force bool) error {
	key := "ensure"
	if force {
		key = "force"
	}
	ch := p.group.DoChan(key, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecoveryTimeout)
		defer cancel()
		return nil, p.ensureCookie(sharedCtx, force)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Passport) ensureCookie(ctx context.Context, force bool) error {
	tokens, err := p.tokens.Read(ctx)
	if err != nil {
		return err
	}
	if tokens == nil {
		return NewFatalError(ErrNoStoredCredential)
	}

	if tokens.CookieToken != "" {
		p.installCookies(tokens)

		if !force && p.isFresh(tokens) {
			return nil
		}

		err := p.verifyCookieToken(ctx, tokens)
		if err == nil {
			return p.tokens.MarkCookieToken(ctx, tokens.CookieToken, tokens.AccountID)
		}
		reason := p.classifier.classify(err)
		if !reason.IsAuthFailure() {
			return fmt.Errorf("verify cookie token: %w", err)
		}
		p.logger.Log("Cookie token expired (%s), exchanging stoken", reason)
	}

	_, err = p.ExchangeSToken(ctx, tokens.Stoken, tokens.Mid)
	return err
}

func (p *Passport) isFresh(tokens *PersistedPassportTokens) bool {
	if tokens.CookieTokenUpdatedAt == 0 {
		return false
	}
	return p.now().Sub(time.UnixMilli(tokens.CookieTokenUpdatedAt)) < p.cfg.CookieTokenTTL
}

// ExchangeSToken mints a cookie token, records it as fresh and installs it in
// the cookie jar.
func (p *Passport) ExchangeSToken(ctx context.Context, stoken, mid string) (result *CookieTokenResult, err error) {
	defer func() { p.metrics.observeRecovery("cookie_token", err) }()

	result, err = p.CookieTokenBySToken(ctx, stoken, mid)
	if err != nil {
		return nil, err
	}
	if err := p.tokens.MarkCookieToken(ctx, result.CookieToken, result.UID); err != nil {
		return nil, err
	}
	p.installCookies(&PersistedPassportTokens{CookieToken: result.CookieToken, AccountID: result.UID, Mid: mid})
	p.logger.Log("Cookie token refreshed")
	return result, nil
}

// CookieTokenBySToken exchanges the long-lived stoken for a cookie token.
func (p *Passport) CookieTokenBySToken(ctx context.Context, stoken, mid string) (*CookieTokenResult, error) {
	target, err := buildURL(passportHost, cookieTokenBySTokenPath, map[string]any{"stoken": stoken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	ds := passportDS(p.cfg.DSSalt, p.now().Unix(), 100000+rand.Intn(900000), stoken)
	headers, err := p.baseHeaders(ctx)
	if err != nil {
		return nil, err
	}
	headers.Set("ds", ds)
	headers.Set("cookie", fmt.Sprintf("stoken=%s; mid=%s", stoken, mid))
	req.Header = headers

	envelope, err := doPassportRequest[CookieTokenResult](p, req, "getCookieAccountInfoBySToken")
	if err != nil {
		return nil, err
	}
	if envelope.Data.CookieToken == "" {
		return nil, &ApiResponseError{Retcode: envelope.Retcode, Message: "empty cookie_token", Context: "getCookieAccountInfoBySToken"}
	}
	return &envelope.Data, nil
}

func (p *Passport) verifyCookieToken(ctx context.Context, tokens *PersistedPassportTokens) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, passportHost+verifyCookieTokenPath, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	headers, err := p.baseHeaders(ctx)
	if err != nil {
		return err
	}
	headers.Set("content-type", "application/json")
	headers.Set("cookie", fmt.Sprintf("cookie_token=%s; account_id=%s; mid=%s", tokens.CookieToken, tokens.AccountID, tokens.Mid))
	req.Header = headers

	_, err = doPassportRequest[map[string]any](p, req, "verifyCookieToken")
	return err
}

func (p *Passport) baseHeaders(ctx context.Context) (http.Header, error) {
	id, err := p.device.Current(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("user-agent", p.profile.UserAgent)
	h.Set("x-rpc-app_id", p.cfg.AppID)
	h.Set("x-rpc-app_version", p.profile.AppVersion)
	h.Set("x-rpc-client_type", p.profile.ClientType)
	h.Set("x-rpc-device_id", id.DeviceID)
	h.Set("x-rpc-device_fp", id.DeviceFp)
	h.Set("accept", "application/json")
	h.Set("accept-encoding", "gzip, deflate, br")
	h[http.HeaderOrderKey] = []string{
		"user-agent",
		"x-rpc-app_id",
		"x-rpc-app_version",
		"x-rpc-client_type",
		"x-rpc-device_id",
		"x-rpc-device_fp",
		"ds",
		"content-type",
		"accept",
		"cookie",
		"accept-encoding",
	}
	h[http.PHeaderOrderKey] = PseudoHeaderOrder
	return h, nil
}

// doPassportRequest sends a passport request and turns HTTP or retcode
// failures into typed errors.
func doPassportRequest[T any](p *Passport, req *http.Request, label string) (*ApiResponse[T], error) {
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Log("%s %s -> error: %v", req.Method, req.URL.Path, err)
		return nil, err
	}
	defer resp.Body.Close()
	p.logger.Log("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	envelope, err := decodeEnvelope[T](resp, label)
	if err != nil {
		return nil, err
	}
	if envelope.Retcode != 0 {
		return nil, &ApiResponseError{Retcode: envelope.Retcode, Message: envelope.Message, Context: label}
	}
	return envelope, nil
}

func (p *Passport) installCookies(tokens *PersistedPassportTokens) {
	if p.jar == nil || tokens.CookieToken == "" {
		return
	}
	u, _ := url.Parse(vendorCookieURL)
	p.jar.SetCookies(u, []*http.Cookie{
		vendorCookie("cookie_token", tokens.CookieToken),
		vendorCookie("account_id", tokens.AccountID),
		vendorCookie("ltuid", tokens.AccountID),
		vendorCookie("account_mid_v2", tokens.Mid),
	})
}

// ClearCookies expires every cookie installed by installCookies.
func (p *Passport) ClearCookies() {
	if p.jar == nil {
		return
	}
	u, _ := url.Parse(vendorCookieURL)
	var expired []*http.Cookie
	for _, name := range []string{"cookie_token", "account_id", "ltuid", "account_mid_v2"} {
		c := vendorCookie(name, "")
		c.MaxAge = -1
		expired = append(expired, c)
	}
	p.jar.SetCookies(u, expired)
}

func vendorCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:   name,
		Value:  value,
		Domain: vendorCookieDomain,
		Path:   "/",
	}
}

// passportDS builds the "ds" header: "t,r,md5(salt=..&t=..&r=..&b=&q=stoken=..)".
func passportDS(salt string, t int64, r int, stoken string) string {
	sign := md5Hex(fmt.Sprintf("salt=%s&t=%d&r=%d&b=&q=stoken=%s", salt, t, r, stoken))
	return fmt.Sprintf("%d,%d,%s", t, r, sign)
}
