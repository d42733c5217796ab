package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNoStoredCredential = errors.New("no stored passport credential, QR login first")
	ErrNoGameRole         = errors.New("no nap_cn game role bound to this account")
	ErrNoUserSession      = errors.New("no user session and no uid/region override")
	ErrQRLoginMalformed   = errors.New("QR login confirmed without stoken or mid")
	ErrQRExpired          = errors.New("QR login ticket expired")
)

// qrExpiredRetcode is returned by queryQRLoginStatus once a ticket has expired.
const qrExpiredRetcode = -106

// =============================================================================
// Wire Errors
// =============================================================================

// HttpRequestError is a non-2xx HTTP response.
type HttpRequestError struct {
	Status     int
	StatusText string
	Context    string
}

func (e *HttpRequestError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: HTTP %d %s", e.Context, e.Status, e.StatusText)
	}
	return fmt.Sprintf("HTTP %d %s", e.Status, e.StatusText)
}

// ApiResponseError is a non-zero retcode on an otherwise successful response.
type ApiResponseError struct {
	Retcode int
	Message string
	Context string
}

func (e *ApiResponseError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: retcode %d: %s", e.Context, e.Retcode, e.Message)
	}
	return fmt.Sprintf("retcode %d: %s", e.Retcode, e.Message)
}

// Is lets an expired-ticket response match ErrQRExpired.
func (e *ApiResponseError) Is(target error) bool {
	return target == ErrQRExpired && e.Retcode == qrExpiredRetcode
}

// DeviceFingerprintRefreshError reports a fingerprint-class retcode whose
// recovery (a forced fingerprint refresh) failed as well.
type DeviceFingerprintRefreshError struct {
	Retcode int
	Message string
	Cause   error
}

func (e *DeviceFingerprintRefreshError) Error() string {
	return fmt.Sprintf("retcode %d (%s), device fingerprint refresh failed: %v", e.Retcode, e.Message, e.Cause)
}

func (e *DeviceFingerprintRefreshError) Unwrap() error {
	return e.Cause
}

// InvalidDeviceFingerprintError is returned before sending a request that
// would carry the never-fetched sentinel fingerprint.
type InvalidDeviceFingerprintError struct {
	DeviceFp string
}

func (e *InvalidDeviceFingerprintError) Error() string {
	return fmt.Sprintf("invalid device fingerprint %q, refusing to send request", e.DeviceFp)
}

func isQRExpired(err error) bool {
	return errors.Is(err, ErrQRExpired)
}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents a precondition failure no retry can fix, such as a
// missing stored credential.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// =============================================================================
// Auth Failure Classification
// =============================================================================

type AuthFailureKind int

const (
	AuthFailureNone AuthFailureKind = iota
	AuthFailureHTTPStatus
	AuthFailureRetcode
)

// AuthFailureReason says whether, and why, an error means the passport
// session expired.
type AuthFailureReason struct {
	Kind    AuthFailureKind
	Status  int
	Retcode int
	Message string
}

func (r AuthFailureReason) IsAuthFailure() bool {
	return r.Kind != AuthFailureNone
}

func (r AuthFailureReason) String() string {
	switch r.Kind {
	case AuthFailureHTTPStatus:
		return fmt.Sprintf("http status %d", r.Status)
	case AuthFailureRetcode:
		return fmt.Sprintf("retcode %d (%s)", r.Retcode, r.Message)
	default:
		return "none"
	}
}

type authClassifier struct {
	retcodes map[int]struct{}
	keywords []string
}

func newAuthClassifier(cfg Config) authClassifier {
	c := authClassifier{
		retcodes: make(map[int]struct{}, len(cfg.AuthRetcodes)),
		keywords: make([]string, 0, len(cfg.AuthKeywords)),
	}
	for _, code := range cfg.AuthRetcodes {
		c.retcodes[code] = struct{}{}
	}
	for _, kw := range cfg.AuthKeywords {
		c.keywords = append(c.keywords, strings.ToLower(kw))
	}
	return c
}

func isPassportAuthHTTPStatus(status int) bool {
	return status == 401 || status == 403
}

// isPassportAuthRetcode matches the known auth retcodes, or any message
// mentioning login, token or cookie. The substring half is a heuristic and
// can misfire when the vendor rewords its messages.
func (c authClassifier) isPassportAuthRetcode(code int, message string) bool {
	if _, ok := c.retcodes[code]; ok {
		return true
	}
	msg := strings.ToLower(message)
	for _, kw := range c.keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func (c authClassifier) classify(err error) AuthFailureReason {
	var httpErr *HttpRequestError
	if errors.As(err, &httpErr) {
		if isPassportAuthHTTPStatus(httpErr.Status) {
			return AuthFailureReason{Kind: AuthFailureHTTPStatus, Status: httpErr.Status}
		}
		return AuthFailureReason{}
	}
	var apiErr *ApiResponseError
	if errors.As(err, &apiErr) && c.isPassportAuthRetcode(apiErr.Retcode, apiErr.Message) {
		return AuthFailureReason{Kind: AuthFailureRetcode, Retcode: apiErr.Retcode, Message: apiErr.Message}
	}
	return AuthFailureReason{}
}

// =============================================================================
// User Suggestions
// =============================================================================

// UserSuggestion maps an error to a hint for the person running the tool.
func UserSuggestion(err error) string {
	if err == nil {
		return ""
	}

	var (
		fpErr      *DeviceFingerprintRefreshError
		invalidErr *InvalidDeviceFingerprintError
		httpErr    *HttpRequestError
		apiErr     *ApiResponseError
		netErr     net.Error
	)
	switch {
	case errors.Is(err, ErrNoStoredCredential):
		return "run `zzzsync login` and scan the QR code"
	case errors.Is(err, ErrNoGameRole):
		return "bind a Zenless Zone Zero role to this account first"
	case errors.As(err, &fpErr), errors.As(err, &invalidErr):
		return "run `zzzsync reset-device`, then log in again if it keeps failing"
	case errors.As(err, &httpErr):
		if isPassportAuthHTTPStatus(httpErr.Status) {
			return "session rejected, run `zzzsync login` again"
		}
		return "check your network connection and retry"
	case errors.As(err, &apiErr):
		return "the vendor refused the request, retry later"
	case errors.As(err, &netErr):
		return "check your network connection and retry"
	default:
		return "retry later"
	}
}
