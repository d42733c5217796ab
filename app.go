package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

const (
	localStoreFile    = "local.json"
	isolatedStoreFile = "isolated.json"
	redisKeyPrefix    = "zzzsync:"
)

// AppOptions carries the process-level dependencies. Jar and Metrics may be
// nil.
type AppOptions struct {
	Client   HTTPDoer
	Jar      CookieJar
	Local    KVStore
	Isolated KVStore
	Profile  *AppProfile
	Config   Config
	Logger   Logger
	Metrics  *GatewayMetrics
	Sink     SnapshotSink
}

// App is the fully wired client: one device, one passport session and one
// acting role per process.
type App struct {
	Device   *DeviceProvider
	Tokens   *TokenStore
	Passport *Passport
	Gateway  *Gateway
	Sessions *SessionCache
	QR       *QRLogin
	API      *API
	Syncer   *Syncer

	logger Logger
}

func NewApp(opts AppOptions) *App {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	profile := opts.Profile
	if profile == nil {
		profile = DefaultProfile
	}
	cfg := opts.Config

	device := NewDeviceProvider(opts.Client, opts.Jar, opts.Local, profile, cfg, withPrefix(logger, "device"), opts.Metrics)
	tokens := NewTokenStore(opts.Isolated, opts.Local, withPrefix(logger, "tokens"))
	passport := NewPassport(opts.Client, opts.Jar, tokens, device, profile, cfg, withPrefix(logger, "passport"), opts.Metrics)
	gateway := NewGateway(opts.Client, device, passport, profile, cfg, withPrefix(logger, "gateway"), opts.Metrics)
	sessions := NewSessionCache(gateway, withPrefix(logger, "session"))
	gateway.SetSessionEnsurer(sessions)
	api := NewAPI(gateway, sessions, cfg)

	return &App{
		Device:   device,
		Tokens:   tokens,
		Passport: passport,
		Gateway:  gateway,
		Sessions: sessions,
		QR:       NewQRLogin(opts.Client, device, tokens, passport, sessions, profile, cfg, withPrefix(logger, "qr")),
		API:      api,
		Syncer:   NewSyncer(api, sessions, opts.Sink, withPrefix(logger, "sync")),
		logger:   logger,
	}
}

// Warmup makes sure the device fingerprint and, when a credential is stored,
// the cookie token are usable before the first domain call.
func (a *App) Warmup(ctx context.Context) error {
	if _, err := a.Device.Current(ctx); err != nil {
		return fmt.Errorf("device fingerprint: %w", err)
	}
	if !a.Passport.HasStoredCredential(ctx) {
		return NewFatalError(ErrNoStoredCredential)
	}
	return a.Passport.EnsureCookie(ctx, false)
}

// Logout forgets the stored credential, the installed cookies and the
// acting role. The device identity is kept.
func (a *App) Logout(ctx context.Context) error {
	if err := a.Tokens.Clear(ctx); err != nil {
		return err
	}
	a.Passport.ClearCookies()
	a.Sessions.Reset()
	a.logger.Log("Logged out")
	return nil
}

// ResetDevice discards the fingerprint and fetches a new one.
func (a *App) ResetDevice(ctx context.Context) (DeviceIdentity, error) {
	a.Sessions.Reset()
	return a.Device.Reset(ctx)
}

// Status is a local, network-free view of what is stored.
type Status struct {
	DeviceID          string
	HasFingerprint    bool
	FingerprintAge    time.Duration
	LoggedIn          bool
	CookieTokenAge    time.Duration
	HasCookieToken    bool
	CredentialUpdated time.Time
	Session           *UserSession
}

func (a *App) Status(ctx context.Context) (*Status, error) {
	id, err := a.Device.Stored(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		DeviceID:       id.DeviceID,
		HasFingerprint: id.HasFingerprint(),
		Session:        a.Sessions.Get(),
	}
	if id.Timestamp > 0 {
		st.FingerprintAge = time.Since(time.UnixMilli(id.Timestamp))
	}

	tokens, err := a.Tokens.Read(ctx)
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		st.LoggedIn = true
		st.CredentialUpdated = time.UnixMilli(tokens.UpdatedAt)
		st.HasCookieToken = tokens.CookieToken != ""
		if tokens.CookieTokenUpdatedAt > 0 {
			st.CookieTokenAge = time.Since(time.UnixMilli(tokens.CookieTokenUpdatedAt))
		}
	}
	return st, nil
}

// openStores returns the readable local store and the isolated credential
// store, which lives in Redis when an address is configured.
func openStores(ctx context.Context, dataDir, redisAddr, redisPassword string, redisDB int) (local, isolated KVStore, closeFn func() error, err error) {
	local = NewFileStore(filepath.Join(dataDir, localStoreFile))
	if redisAddr == "" {
		return local, NewFileStore(filepath.Join(dataDir, isolatedStoreFile)), func() error { return nil }, nil
	}
	rs, err := DialRedisStore(ctx, redisAddr, redisPassword, redisDB, redisKeyPrefix)
	if err != nil {
		return nil, nil, nil, err
	}
	return local, rs, rs.Close, nil
}
