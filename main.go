package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	command   string
	cmdArgs   []string
	engineLog *log.Logger
)

const (
	usage = `Usage: zzzsync <command> [args]
Commands:
  login                  log in by scanning a QR code with the Miyoushe app
  sync                   pull roster, agent details, bangboo and note once
  watch                  sync on ZZZSYNC_SYNC_CRON until interrupted
  calc <avatar_id...>    material cost to take agents to max level
  reset-device           discard the device fingerprint and fetch a new one
  logout                 forget the stored credential
  status                 show what is stored locally`

	calcTargetLevel = 60
)

func main() {
	parseArgs()

	_ = godotenv.Load()

	dataDir := GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	engineLogFile, moduleLogFile, modLog := setupLogging(dataDir)
	defer engineLogFile.Close()
	defer moduleLogFile.Close()

	exitCode := run(modLog)
	os.Exit(exitCode)
}

func parseArgs() {
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	command = os.Args[1]
	cmdArgs = os.Args[2:]

	switch command {
	case "login", "sync", "watch", "reset-device", "logout", "status":
	case "calc":
		if len(cmdArgs) == 0 {
			log.Fatal("Usage: zzzsync calc <avatar_id...>")
		}
	default:
		log.Fatalf("unknown command %q\n%s", command, usage)
	}
}

func setupLogging(dataDir string) (engineLogFile, moduleLogFile *os.File, modLog *log.Logger) {
	var err error

	engineLogFile, err = os.OpenFile(filepath.Join(dataDir, "engine.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open engine log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stdout, engineLogFile), "", log.LstdFlags)

	moduleLogFile, err = os.OpenFile(filepath.Join(dataDir, "zzzsync.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		engineLog.Fatalf("Failed to open module log file: %v", err)
	}
	modLog = log.New(io.MultiWriter(os.Stdout, moduleLogFile), "", log.LstdFlags)

	return engineLogFile, moduleLogFile, modLog
}

func run(modLog *log.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := &moduleLogger{logger: modLog}

	local, isolated, closeStores, err := openStores(ctx, GetDataDir(), GetRedisAddr(), GetRedisPassword(), GetRedisDB())
	if err != nil {
		engineLog.Printf("Failed to open storage: %v", err)
		return 1
	}
	defer closeStores()
	if GetRedisAddr() != "" {
		engineLog.Printf("Credentials stored in Redis at %s", GetRedisAddr())
	}

	proxyURL, proxyDisplay, err := resolveProxy(GetProxyURL())
	if err != nil {
		engineLog.Printf("Failed to load proxy: %v", err)
		return 1
	}
	if proxyDisplay != "" {
		engineLog.Printf("Using proxy: %s", proxyDisplay)
	}

	client, err := NewClient(nil, proxyURL)
	if err != nil {
		engineLog.Printf("Failed to create client: %v", err)
		return 1
	}

	var metrics *GatewayMetrics
	if addr := GetMetricsAddr(); addr != "" {
		reg := prometheus.NewRegistry()
		metrics = NewGatewayMetrics("zzzsync", reg)
		serveMetrics(ctx, addr, reg, logger)
	}

	app := NewApp(AppOptions{
		Client:   client,
		Jar:      client,
		Local:    local,
		Isolated: isolated,
		Profile:  DefaultProfile,
		Config:   DefaultConfig(),
		Logger:   logger,
		Metrics:  metrics,
		Sink:     NewFileSink(GetOutputPath()),
	})

	switch command {
	case "login":
		return runLogin(ctx, app)
	case "sync":
		return runSync(ctx, app)
	case "watch":
		return runWatch(ctx, app, logger)
	case "calc":
		return runCalc(ctx, app)
	case "reset-device":
		id, err := app.ResetDevice(ctx)
		if err != nil {
			return fail(err)
		}
		engineLog.Printf("New device fingerprint for %s", id.DeviceID)
		return 0
	case "logout":
		if err := app.Logout(ctx); err != nil {
			return fail(err)
		}
		engineLog.Printf("Stored credential removed")
		return 0
	case "status":
		return runStatus(ctx, app)
	}
	return 1
}

func fail(err error) int {
	if IsFatalError(err) {
		engineLog.Printf("FATAL ERROR: %v", err)
	} else {
		engineLog.Printf("ERROR: %v", err)
	}
	if hint := UserSuggestion(err); hint != "" {
		engineLog.Printf("Hint: %s", hint)
	}
	return 1
}

func runLogin(ctx context.Context, app *App) int {
	qr, err := app.QR.Create(ctx)
	if err != nil {
		return fail(err)
	}
	engineLog.Printf("Scan this with the Miyoushe app: %s", qr.URL)

	for ev := range app.QR.Poll(ctx, qr) {
		switch ev.Kind {
		case QREventStatusChanged:
			if ev.Status == QRStatusScanned {
				engineLog.Printf("Scanned, confirm the login in the app")
			}
		case QREventExpired:
			engineLog.Printf("QR code expired, scan the new one: %s", ev.QR.URL)
		case QREventCompleted:
			engineLog.Printf("=== Logged in as %s (uid %s, %s) ===", ev.Role.Nickname, ev.Role.GameUID, ev.Role.RegionName)
			return 0
		case QREventFailed:
			return fail(ev.Err)
		}
	}

	engineLog.Printf("Login cancelled")
	return 1
}

func runSync(ctx context.Context, app *App) int {
	if err := app.Warmup(ctx); err != nil {
		return fail(err)
	}
	snap, err := app.Syncer.Sync(ctx)
	if err != nil {
		return fail(err)
	}
	engineLog.Printf("=== Complete: %d agents, %d bangboo written to %s ===", len(snap.Avatars), len(snap.Buddies), GetOutputPath())
	return 0
}

func runWatch(ctx context.Context, app *App, logger Logger) int {
	if err := app.Warmup(ctx); err != nil {
		return fail(err)
	}

	scheduler := NewSyncScheduler(app.Syncer, GetSyncCron(), withPrefix(logger, "watch"))
	if err := scheduler.Start(ctx); err != nil {
		engineLog.Printf("Invalid ZZZSYNC_SYNC_CRON %q: %v", GetSyncCron(), err)
		return 1
	}
	go scheduler.RunNow()

	var fatalErr error
	select {
	case <-ctx.Done():
	case fatalErr = <-scheduler.Fatal():
	}
	scheduler.Stop()

	if fatalErr != nil {
		return fail(fatalErr)
	}
	engineLog.Printf("=== Stopped ===")
	return 0
}

func runCalc(ctx context.Context, app *App) int {
	ids := make([]int, 0, len(cmdArgs))
	for _, arg := range cmdArgs {
		id, err := strconv.Atoi(arg)
		if err != nil {
			engineLog.Printf("avatar id must be an integer: %q", arg)
			return 1
		}
		ids = append(ids, id)
	}

	if err := app.Warmup(ctx); err != nil {
		return fail(err)
	}
	avatars, err := app.API.AvatarList(ctx, nil)
	if err != nil {
		return fail(err)
	}
	levels := make(map[int]int, len(avatars))
	for _, a := range avatars {
		levels[a.ID] = a.Level
	}

	reqs := make([]MaterialCalcRequest, 0, len(ids))
	for _, id := range ids {
		level := max(levels[id], 1)
		reqs = append(reqs, MaterialCalcRequest{AvatarID: id, AvatarLevel: level, AvatarLevelTarget: calcTargetLevel})
	}

	results, err := app.API.CalculateMaterials(ctx, reqs, nil)
	if err != nil {
		return fail(err)
	}
	return printJSON(results)
}

func runStatus(ctx context.Context, app *App) int {
	st, err := app.Status(ctx)
	if err != nil {
		return fail(err)
	}
	engineLog.Printf("Device id:        %s", st.DeviceID)
	if st.HasFingerprint {
		engineLog.Printf("Fingerprint age:  %v", st.FingerprintAge.Round(time.Minute))
	} else {
		engineLog.Printf("Fingerprint:      not fetched")
	}
	if !st.LoggedIn {
		engineLog.Printf("Credential:       none (run `zzzsync login`)")
		return 0
	}
	engineLog.Printf("Credential saved: %s", st.CredentialUpdated.Format(time.RFC3339))
	if st.HasCookieToken {
		engineLog.Printf("Cookie token age: %v", st.CookieTokenAge.Round(time.Minute))
	}
	return 0
}

func printJSON(v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		engineLog.Printf("ERROR: %v", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
