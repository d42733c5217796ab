package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const (
	qrCreatePath = "/account/ma-cn-passport/app/createQRLogin"
	qrQueryPath  = "/account/ma-cn-passport/app/queryQRLoginStatus"
)

type QRLoginStatus string

const (
	QRStatusCreated   QRLoginStatus = "Created"
	QRStatusScanned   QRLoginStatus = "Scanned"
	QRStatusConfirmed QRLoginStatus = "Confirmed"
)

// QRLoginData is a ticket plus the URL to encode in the QR image.
type QRLoginData struct {
	Ticket string `json:"ticket"`
	URL    string `json:"url"`
}

type QRToken struct {
	TokenType int    `json:"token_type"`
	Token     string `json:"token"`
}

type QRUserInfo struct {
	Aid         string `json:"aid"`
	Mid         string `json:"mid"`
	AccountName string `json:"account_name"`
}

type QRLoginStatusResponse struct {
	Status   QRLoginStatus `json:"status"`
	AppID    string        `json:"app_id"`
	Tokens   []QRToken     `json:"tokens"`
	UserInfo *QRUserInfo   `json:"user_info"`
}

type QRLoginEventKind int

const (
	QREventStatusChanged QRLoginEventKind = iota
	QREventExpired
	QREventCompleted
	QREventFailed
)

// QRLoginEvent is one step of a polling session. Only the field matching
// Kind is set: Status, QR (the re-issued code), Role or Err.
type QRLoginEvent struct {
	Kind   QRLoginEventKind
	Status QRLoginStatus
	QR     *QRLoginData
	Role   *GameRole
	Err    error
}

type stokenExchanger interface {
	ExchangeSToken(ctx context.Context, stoken, mid string) (*CookieTokenResult, error)
}

type napTokenInitializer interface {
	InitializeNapToken(ctx context.Context) (*GameRole, error)
}

// QRLogin drives the create → poll → exchange handshake.
type QRLogin struct {
	client   HTTPDoer
	device   DeviceSource
	tokens   *TokenStore
	passport stokenExchanger
	roles    napTokenInitializer
	profile  *AppProfile
	cfg      Config
	logger   Logger
}

func NewQRLogin(client HTTPDoer, device DeviceSource, tokens *TokenStore, passport stokenExchanger, roles napTokenInitializer, profile *AppProfile, cfg Config, logger Logger) *QRLogin {
	return &QRLogin{
		client:   client,
		device:   device,
		tokens:   tokens,
		passport: passport,
		roles:    roles,
		profile:  profile,
		cfg:      cfg,
		logger:   logger,
	}
}

// Create asks the passport service for a new QR ticket.
func (l *QRLogin) Create(ctx context.Context) (*QRLoginData, error) {
	envelope, err := qrRequest[QRLoginData](ctx, l, qrCreatePath, struct{}{}, "createQRLogin")
	if err != nil {
		return nil, err
	}
	if envelope.Data.Ticket == "" {
		return nil, &ApiResponseError{Retcode: envelope.Retcode, Message: "empty ticket", Context: "createQRLogin"}
	}
	return &envelope.Data, nil
}

// Query reports a ticket's status. An expired ticket yields an
// ApiResponseError with retcode -106.
func (l *QRLogin) Query(ctx context.Context, ticket string) (*QRLoginStatusResponse, error) {
	envelope, err := qrRequest[QRLoginStatusResponse](ctx, l, qrQueryPath, map[string]string{"ticket": ticket}, "queryQRLoginStatus")
	if err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func qrRequest[T any](ctx context.Context, l *QRLogin, path string, body any, label string) (*ApiResponse[T], error) {
	id, err := l.device.Current(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, passportHost+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("user-agent", l.profile.UserAgent)
	h.Set("x-rpc-app_id", l.cfg.AppID)
	h.Set("x-rpc-device_id", id.DeviceID)
	h.Set("x-rpc-device_fp", id.DeviceFp)
	h.Set("content-type", "application/json")
	h.Set("accept", "application/json")
	h[http.HeaderOrderKey] = []string{
		"content-length",
		"user-agent",
		"x-rpc-app_id",
		"x-rpc-device_id",
		"x-rpc-device_fp",
		"content-type",
		"accept",
	}
	h[http.PHeaderOrderKey] = PseudoHeaderOrder
	req.Header = h

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Log("POST %s -> error: %v", path, err)
		return nil, err
	}
	defer resp.Body.Close()
	l.logger.Log("POST %s -> %d", path, resp.StatusCode)

	envelope, err := decodeEnvelope[T](resp, label)
	if err != nil {
		return nil, err
	}
	if envelope.Retcode != 0 {
		return nil, &ApiResponseError{Retcode: envelope.Retcode, Message: envelope.Message, Context: label}
	}
	return envelope, nil
}

// Poll queries qr's ticket once per poll interval until it is confirmed,
// fails or ctx is cancelled, and closes the returned channel when done.
// An expired ticket is replaced transparently and reported as
// QREventExpired so the caller can redraw the code. Once ctx is cancelled no
// further events are delivered, even for requests already in flight.
func (l *QRLogin) Poll(ctx context.Context, qr *QRLoginData) <-chan QRLoginEvent {
	events := make(chan QRLoginEvent)

	go func() {
		defer close(events)
		ticket := qr.Ticket

		for {
			if ctx.Err() != nil {
				return
			}
			status, err := l.Query(ctx, ticket)
			if ctx.Err() != nil {
				return
			}

			switch {
			case isQRExpired(err):
				next, err := l.Create(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					l.emit(ctx, events, QRLoginEvent{Kind: QREventFailed, Err: fmt.Errorf("re-create expired QR code: %w", err)})
					return
				}
				l.logger.Log("QR code expired, issued a new ticket")
				ticket = next.Ticket
				if !l.emit(ctx, events, QRLoginEvent{Kind: QREventExpired, QR: next}) {
					return
				}

			case err != nil:
				l.emit(ctx, events, QRLoginEvent{Kind: QREventFailed, Err: err})
				return

			case status.Status == QRStatusConfirmed:
				role, err := l.complete(ctx, status)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					l.emit(ctx, events, QRLoginEvent{Kind: QREventFailed, Err: err})
					return
				}
				l.emit(ctx, events, QRLoginEvent{Kind: QREventCompleted, Role: role})
				return

			default:
				if !l.emit(ctx, events, QRLoginEvent{Kind: QREventStatusChanged, Status: status.Status}) {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.QRPollInterval):
			}
		}
	}()

	return events
}

func (l *QRLogin) emit(ctx context.Context, events chan<- QRLoginEvent, ev QRLoginEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// complete persists the confirmed credential, mints a cookie token and
// resolves the game role. It stops before each side effect once ctx is done.
func (l *QRLogin) complete(ctx context.Context, status *QRLoginStatusResponse) (*GameRole, error) {
	stoken := ""
	for _, t := range status.Tokens {
		if t.Token != "" {
			stoken = t.Token
			break
		}
	}
	if stoken == "" || status.UserInfo == nil || status.UserInfo.Mid == "" {
		return nil, NewFatalError(ErrQRLoginMalformed)
	}
	mid := status.UserInfo.Mid

	if err := l.tokens.SaveCredential(ctx, stoken, mid); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if _, err := l.passport.ExchangeSToken(ctx, stoken, mid); err != nil {
		return nil, fmt.Errorf("exchange stoken after QR login: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	role, err := l.roles.InitializeNapToken(ctx)
	if err != nil {
		return nil, err
	}
	l.logger.Log("QR login complete")
	return role, nil
}
