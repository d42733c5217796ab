package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	deviceInfoKey    = "device_info"
	sentinelDeviceFp = "0000000000000"

	fingerprintURL = "https://public-data-api.mihoyo.com/device-fp/api/getFp"

	// The vendor's own web pages set _MHYUUID on this host; when present it
	// is a better device id than a synthetic one.
	deviceCookieURL  = "https://user.mihoyo.com/"
	deviceCookieName = "_MHYUUID"

	fingerprintOKCode = 200
)

// DeviceIdentity is the pseudo-device every request claims to come from.
type DeviceIdentity struct {
	DeviceID  string `json:"deviceId" validate:"required,uuid"`
	DeviceFp  string `json:"deviceFp" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
}

// HasFingerprint reports whether DeviceFp was ever fetched.
func (d DeviceIdentity) HasFingerprint() bool {
	return d.DeviceFp != "" && d.DeviceFp != sentinelDeviceFp
}

// DeviceProvider owns the device identity: it persists it in the local
// store and refreshes the fingerprint when stale. Concurrent refreshes share
// one fetch.
type DeviceProvider struct {
	client   HTTPDoer
	cookies  CookieJar
	store    KVStore
	profile  *AppProfile
	cfg      Config
	logger   Logger
	metrics  *GatewayMetrics
	validate *validator.Validate
	now      func() time.Time

	mu       sync.Mutex
	identity *DeviceIdentity
	group    singleflight.Group
}

// NewDeviceProvider creates a provider. cookies may be nil when no cookie
// jar is shared with the vendor's web hosts.
func NewDeviceProvider(client HTTPDoer, cookies CookieJar, store KVStore, profile *AppProfile, cfg Config, logger Logger, metrics *GatewayMetrics) *DeviceProvider {
	return &DeviceProvider{
		client:   client,
		cookies:  cookies,
		store:    store,
		profile:  profile,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Current returns the identity, fetching a fingerprint first if it was never
// fetched or has gone stale.
func (p *DeviceProvider) Current(ctx context.Context) (DeviceIdentity, error) {
	id, err := p.load(ctx)
	if err != nil {
		return DeviceIdentity{}, err
	}
	if !p.needsRefresh(id) {
		return id, nil
	}
	return p.refresh(ctx, false)
}

// Refresh fetches a new fingerprint unconditionally.
func (p *DeviceProvider) Refresh(ctx context.Context) (DeviceIdentity, error) {
	return p.refresh(ctx, true)
}

// Reset forgets the stored identity, keeping only the device id, and fetches
// a fresh fingerprint.
func (p *DeviceProvider) Reset(ctx context.Context) (DeviceIdentity, error) {
	id, err := p.load(ctx)
	if err != nil {
		return DeviceIdentity{}, err
	}
	id.DeviceFp = sentinelDeviceFp
	id.Timestamp = 0
	if err := p.save(ctx, id); err != nil {
		return DeviceIdentity{}, err
	}
	return p.Refresh(ctx)
}

// Stored returns the identity as persisted, without refreshing it.
func (p *DeviceProvider) Stored(ctx context.Context) (DeviceIdentity, error) {
	return p.load(ctx)
}

func (p *DeviceProvider) needsRefresh(id DeviceIdentity) bool {
	if !id.HasFingerprint() {
		return true
	}
	age := p.now().Sub(time.UnixMilli(id.Timestamp))
	return age > p.cfg.FingerprintTTL
}

// refresh shares one fetch between concurrent callers. The fetch runs
// detached from any single caller, so a caller that gives up only stops
// waiting.
func (p *DeviceProvider) refresh(ctx context.Context, force bool) (DeviceIdentity, error) {
	ch := p.group.DoChan("fingerprint", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecoveryTimeout)
		defer cancel()

		id, err := p.load(fetchCtx)
		if err != nil {
			return nil, err
		}
		// A caller that saw a stale identity may arrive after another
		// refresh already finished.
		if !force && !p.needsRefresh(id) {
			return id, nil
		}
		return p.fetchFingerprint(fetchCtx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return DeviceIdentity{}, res.Err
		}
		return res.Val.(DeviceIdentity), nil
	case <-ctx.Done():
		return DeviceIdentity{}, ctx.Err()
	}
}

func (p *DeviceProvider) load(ctx context.Context) (DeviceIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identity != nil {
		return *p.identity, nil
	}

	raw, ok, err := p.store.Get(ctx, deviceInfoKey)
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("failed to read device info: %w", err)
	}
	if ok {
		var id DeviceIdentity
		if json.Unmarshal([]byte(raw), &id) == nil && p.validate.Struct(&id) == nil {
			p.identity = &id
			return id, nil
		}
		p.logger.Log("Stored device info is malformed, generating a new identity")
	}

	id := DeviceIdentity{
		DeviceID:  uuid.NewString(),
		DeviceFp:  sentinelDeviceFp,
		Timestamp: 0,
	}
	if err := p.saveLocked(ctx, id); err != nil {
		return DeviceIdentity{}, err
	}
	return id, nil
}

func (p *DeviceProvider) save(ctx context.Context, id DeviceIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(ctx, id)
}

func (p *DeviceProvider) saveLocked(ctx context.Context, id DeviceIdentity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, deviceInfoKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist device info: %w", err)
	}
	p.identity = &id
	return nil
}

// hydrateDeviceID prefers the vendor web cookie's UUID over our own.
func (p *DeviceProvider) hydrateDeviceID(id DeviceIdentity) DeviceIdentity {
	if p.cookies == nil {
		return id
	}
	u, _ := url.Parse(deviceCookieURL)
	for _, c := range p.cookies.GetCookies(u) {
		if c.Name != deviceCookieName || c.Value == "" || c.Value == id.DeviceID {
			continue
		}
		if _, err := uuid.Parse(c.Value); err != nil {
			continue
		}
		p.logger.Log("Using device id from %s cookie", deviceCookieName)
		id.DeviceID = c.Value
	}
	return id
}

type fingerprintResponse struct {
	DeviceFp string `json:"device_fp"`
	Code     int    `json:"code"`
	Msg      string `json:"msg"`
}

func (p *DeviceProvider) fetchFingerprint(ctx context.Context, id DeviceIdentity) (_ DeviceIdentity, err error) {
	defer func() { p.metrics.observeFingerprintFetch(err) }()

	id = p.hydrateDeviceID(id)

	payload, err := json.Marshal(buildFingerprintPayload(id, p.now()))
	if err != nil {
		return DeviceIdentity{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fingerprintURL, bytes.NewReader(payload))
	if err != nil {
		return DeviceIdentity{}, err
	}
	req.Header = http.Header{
		"user-agent":      {p.profile.UserAgent},
		"content-type":    {"application/json"},
		"accept":          {"application/json, text/plain, */*"},
		"origin":          {"https://act.mihoyo.com"},
		"referer":         {p.profile.Referer},
		"accept-encoding": {"gzip, deflate, br"},
		"accept-language": {"zh-CN,zh;q=0.9"},
		http.HeaderOrderKey: {
			"content-length",
			"user-agent",
			"content-type",
			"accept",
			"origin",
			"referer",
			"accept-encoding",
			"accept-language",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Log("POST %s -> error: %v", req.URL.Path, err)
		return DeviceIdentity{}, err
	}
	defer resp.Body.Close()
	p.logger.Log("POST %s -> %d", req.URL.Path, resp.StatusCode)

	envelope, err := decodeEnvelope[fingerprintResponse](resp, "getFp")
	if err != nil {
		return DeviceIdentity{}, err
	}
	if envelope.Retcode != 0 {
		return DeviceIdentity{}, &ApiResponseError{Retcode: envelope.Retcode, Message: envelope.Message, Context: "getFp"}
	}
	if envelope.Data.Code != fingerprintOKCode || envelope.Data.DeviceFp == "" {
		return DeviceIdentity{}, &ApiResponseError{Retcode: envelope.Data.Code, Message: envelope.Data.Msg, Context: "getFp"}
	}

	id.DeviceFp = envelope.Data.DeviceFp
	id.Timestamp = p.now().UnixMilli()
	if err := p.save(ctx, id); err != nil {
		return DeviceIdentity{}, err
	}
	p.logger.Log("Device fingerprint refreshed")
	return id, nil
}

// =============================================================================
// Synthetic Device Profile
// =============================================================================

type fingerprintPayload struct {
	DeviceID    string `json:"device_id"`
	SeedID      string `json:"seed_id"`
	SeedTime    string `json:"seed_time"`
	Platform    string `json:"platform"`
	DeviceFp    string `json:"device_fp"`
	AppName     string `json:"app_name"`
	ExtFields   string `json:"ext_fields"`
	BBSDeviceID string `json:"bbs_device_id"`
}

type deviceModel struct {
	Brand    string
	Model    string
	Product  string
	Board    string
	Hardware string
}

var deviceModels = []deviceModel{
	{Brand: "Xiaomi", Model: "22081212C", Product: "diting", Board: "taro", Hardware: "qcom"},
	{Brand: "Xiaomi", Model: "2211133C", Product: "fuxi", Board: "kalama", Hardware: "qcom"},
	{Brand: "OnePlus", Model: "PHB110", Product: "PHB110", Board: "taro", Hardware: "qcom"},
	{Brand: "HONOR", Model: "ANY-AN00", Product: "ANY-AN00", Board: "lahaina", Hardware: "qcom"},
	{Brand: "OPPO", Model: "PGT110", Product: "PGT110", Board: "taro", Hardware: "qcom"},
}

var androidVersions = []struct {
	Release string
	SDK     string
	BuildID string
}{
	{Release: "12", SDK: "31", BuildID: "SKQ1.211006.001"},
	{Release: "13", SDK: "33", BuildID: "TKQ1.220829.002"},
	{Release: "14", SDK: "34", BuildID: "UKQ1.230804.001"},
}

func buildFingerprintPayload(id DeviceIdentity, now time.Time) fingerprintPayload {
	model := deviceModels[rand.Intn(len(deviceModels))]
	osv := androidVersions[rand.Intn(len(androidVersions))]
	ramTotal := []int{8, 12, 16}[rand.Intn(3)] * 1024
	romTotal := []int{128, 256, 512}[rand.Intn(3)] * 1024
	display := fmt.Sprintf("%s release-keys", osv.BuildID)

	ext := map[string]any{
		"cpuType":       "arm64-v8a",
		"romCapacity":   strconv.Itoa(romTotal),
		"productName":   model.Product,
		"romRemain":     strconv.Itoa(romTotal/4 + rand.Intn(romTotal/2)),
		"manufacturer":  model.Brand,
		"appMemory":     "512",
		"hostname":      "dg02-pool03-kvm" + strconv.Itoa(10+rand.Intn(80)),
		"screenSize":    "1080x2400",
		"osVersion":     osv.Release,
		"aaid":          "",
		"vendor":        "unknown",
		"accelerometer": fmt.Sprintf("%.6fx%.6fx%.6f", rand.Float64(), rand.Float64()*9.8, rand.Float64()),
		"buildTags":     "release-keys",
		"model":         model.Model,
		"brand":         model.Brand,
		"oaid":          "",
		"hardware":      model.Hardware,
		"deviceType":    model.Product,
		"devId":         "REL",
		"serialNumber":  "unknown",
		"buildTime":     strconv.FormatInt(now.Add(-time.Duration(30+rand.Intn(300))*24*time.Hour).UnixMilli(), 10),
		"buildUser":     "builder",
		"ramCapacity":   strconv.Itoa(ramTotal),
		"magnetometer":  fmt.Sprintf("%.6fx%.6fx%.6f", rand.Float64()*50, rand.Float64()*50, rand.Float64()*50),
		"display":       display,
		"ramRemain":     strconv.Itoa(ramTotal/3 + rand.Intn(ramTotal/3)),
		"deviceInfo":    fmt.Sprintf("%s/%s/%s:%s/%s", model.Brand, model.Product, model.Product, osv.Release, display),
		"gyroscope":     fmt.Sprintf("%.6fx%.6fx%.6f", rand.Float64()/100, rand.Float64()/100, rand.Float64()/100),
		"vaid":          "",
		"buildType":     "user",
		"sdkVersion":    osv.SDK,
		"board":         model.Board,
	}
	extFields, _ := json.Marshal(ext)

	return fingerprintPayload{
		DeviceID:    md5Hex(id.DeviceID)[:16],
		SeedID:      uuid.NewString(),
		SeedTime:    strconv.FormatInt(now.UnixMilli(), 10),
		Platform:    "2",
		DeviceFp:    id.DeviceFp,
		AppName:     "bbs_cn",
		ExtFields:   string(extFields),
		BBSDeviceID: id.DeviceID,
	}
}
