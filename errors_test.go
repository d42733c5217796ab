package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAuthFailure(t *testing.T) {
	c := newAuthClassifier(DefaultConfig())

	tests := []struct {
		name string
		err  error
		want AuthFailureReason
	}{
		{"http 401", &HttpRequestError{Status: 401}, AuthFailureReason{Kind: AuthFailureHTTPStatus, Status: 401}},
		{"http 403 wrapped", fmt.Errorf("verify: %w", &HttpRequestError{Status: 403}), AuthFailureReason{Kind: AuthFailureHTTPStatus, Status: 403}},
		{"http 500", &HttpRequestError{Status: 500}, AuthFailureReason{}},
		{"known retcode", &ApiResponseError{Retcode: -100, Message: "x"}, AuthFailureReason{Kind: AuthFailureRetcode, Retcode: -100, Message: "x"}},
		{"keyword", &ApiResponseError{Retcode: 1, Message: "Invalid Cookie"}, AuthFailureReason{Kind: AuthFailureRetcode, Retcode: 1, Message: "Invalid Cookie"}},
		{"chinese keyword", &ApiResponseError{Retcode: 1, Message: "尚未登录"}, AuthFailureReason{Kind: AuthFailureRetcode, Retcode: 1, Message: "尚未登录"}},
		{"unrelated retcode", &ApiResponseError{Retcode: -1, Message: "system busy"}, AuthFailureReason{}},
		{"plain error", errors.New("dial tcp: timeout"), AuthFailureReason{}},
		{"nil", nil, AuthFailureReason{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Kind != AuthFailureNone, got.IsAuthFailure())
		})
	}
}

func TestFatalError(t *testing.T) {
	err := fmt.Errorf("login: %w", NewFatalError(ErrNoGameRole))
	assert.True(t, IsFatalError(err))
	assert.ErrorIs(t, err, ErrNoGameRole)
	assert.False(t, IsFatalError(ErrNoGameRole))
	assert.False(t, IsFatalError(nil))
}

func TestDeviceFingerprintRefreshErrorUnwraps(t *testing.T) {
	cause := &HttpRequestError{Status: 502}
	err := &DeviceFingerprintRefreshError{Retcode: 1034, Message: "risk", Cause: cause}

	var httpErr *HttpRequestError
	assert.ErrorAs(t, err, &httpErr)
	assert.Contains(t, err.Error(), "1034")
}

func TestUserSuggestion(t *testing.T) {
	assert.Empty(t, UserSuggestion(nil))
	assert.Contains(t, UserSuggestion(NewFatalError(ErrNoStoredCredential)), "zzzsync login")
	assert.Contains(t, UserSuggestion(&InvalidDeviceFingerprintError{DeviceFp: sentinelDeviceFp}), "reset-device")
	assert.Contains(t, UserSuggestion(&DeviceFingerprintRefreshError{Cause: errors.New("x")}), "reset-device")
	assert.Contains(t, UserSuggestion(&HttpRequestError{Status: 401}), "login")
	assert.Contains(t, UserSuggestion(&HttpRequestError{Status: 502}), "network")
	assert.Equal(t, "retry later", UserSuggestion(errors.New("boom")))
}

func TestIsQRExpired(t *testing.T) {
	assert.True(t, isQRExpired(fmt.Errorf("poll: %w", &ApiResponseError{Retcode: qrExpiredRetcode})))
	assert.False(t, isQRExpired(&ApiResponseError{Retcode: -3501}))
	assert.False(t, isQRExpired(nil))
	assert.ErrorIs(t, &ApiResponseError{Retcode: qrExpiredRetcode}, ErrQRExpired)
}
