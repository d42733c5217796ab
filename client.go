package main

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// AppProfile bundles a TLS client profile with the vendor app identity it
// impersonates.
type AppProfile struct {
	TLSProfile profiles.ClientProfile
	UserAgent  string
	AppVersion string
	ClientType string
	Referer    string
}

// DefaultProfile is the profile used for new clients.
// Set to OkHttpAndroidProfile in tls_okhttp.go.
var DefaultProfile = OkHttpAndroidProfile

func NewClient(logger tls_client.Logger, proxyURL string) (tls_client.HttpClient, error) {
	return NewClientWithProfile(logger, proxyURL, DefaultProfile.TLSProfile)
}

func NewClientWithProfile(logger tls_client.Logger, proxyURL string, profile profiles.ClientProfile) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(30),
		tls_client.WithClientProfile(profile),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
