package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode      = "AMORA_CALL_MODE"
	envVarLogFormat = "AMORA_CALL_LOG_FORMAT"
	envVarLogLevel  = "AMORA_CALL_LOG_LEVEL"

	envVarControlAddr     = "AMORA_CALL_CONTROL_ADDR"
	envVarShutdownTimeout = "AMORA_CALL_SHUTDOWN_TIMEOUT"

	// Device identity. UserID is the authenticated Amora account, DeviceID
	// distinguishes multiple installs of the same account.
	envVarUserID   = "AMORA_CALL_USER_ID"
	envVarDeviceID = "AMORA_CALL_DEVICE_ID"

	// Signaling relay connection.
	envVarSignalingURL             = "AMORA_CALL_SIGNALING_URL"
	envVarSignalingPingInterval    = "AMORA_CALL_SIGNALING_PING_INTERVAL"
	envVarSignalingWriteTimeout    = "AMORA_CALL_SIGNALING_WRITE_TIMEOUT"
	envVarSignalingConnectTimeout  = "AMORA_CALL_SIGNALING_CONNECT_TIMEOUT"
	envVarSignalingReconnectMin    = "AMORA_CALL_SIGNALING_RECONNECT_MIN"
	envVarSignalingReconnectMax    = "AMORA_CALL_SIGNALING_RECONNECT_MAX"
	envVarSignalingGracePeriod     = "AMORA_CALL_SIGNALING_GRACE_PERIOD"
	envVarMaxSignalingMessageBytes = "AMORA_CALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingEventsPerSec = "AMORA_CALL_MAX_SIGNALING_EVENTS_PER_SECOND"

	// Signaling credential (HS256, minted locally from the provisioned secret).
	envVarAuthSecret   = "AMORA_CALL_AUTH_SECRET"
	envVarAuthTokenTTL = "AMORA_CALL_AUTH_TOKEN_TTL"

	// Call session tuning.
	envVarRingTimeout      = "AMORA_CALL_RING_TIMEOUT"
	envVarStaleEventWindow = "AMORA_CALL_STALE_EVENT_WINDOW"

	// Call history (empty path disables persistence).
	envVarHistoryDBPath = "AMORA_CALL_HISTORY_DB"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "AMORA_CALL_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "AMORA_CALL_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "AMORA_CALL_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultControlAddr     = "127.0.0.1:7350"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultSignalingPingInterval   = 20 * time.Second
	DefaultSignalingWriteTimeout   = 5 * time.Second
	DefaultSignalingConnectTimeout = 10 * time.Second
	DefaultSignalingReconnectMin   = 1 * time.Second
	DefaultSignalingReconnectMax   = 30 * time.Second
	// DefaultSignalingGracePeriod bounds how long an in-flight call survives a
	// dropped signaling connection before it is ended.
	DefaultSignalingGracePeriod = 10 * time.Second

	DefaultMaxSignalingMessageBytes    = int64(64 * 1024)
	DefaultMaxSignalingEventsPerSecond = 50
	DefaultAuthTokenTTL                = 1 * time.Hour
	DefaultRingTimeout                 = 30 * time.Second
	// DefaultStaleEventWindow suppresses signaling events for a session that was
	// just torn down locally (near-simultaneous hangup on both sides). The value
	// is a tuning knob rather than a correctness constant, hence configurable.
	DefaultStaleEventWindow = 3 * time.Second

	DefaultHistoryDBPath = "data/call-history.db"

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "amora"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool { return c.SharedSecret != "" }

type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ControlAddr     string
	ShutdownTimeout time.Duration

	UserID   string
	DeviceID string

	SignalingURL            string
	SignalingPingInterval   time.Duration
	SignalingWriteTimeout   time.Duration
	SignalingConnectTimeout time.Duration
	SignalingReconnectMin   time.Duration
	SignalingReconnectMax   time.Duration
	SignalingGracePeriod    time.Duration

	MaxSignalingMessageBytes    int64
	MaxSignalingEventsPerSecond int

	AuthSecret   string
	AuthTokenTTL time.Duration

	RingTimeout      time.Duration
	StaleEventWindow time.Duration

	HistoryDBPath string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("amora-call-agent", flag.ContinueOnError)
	modeFlag := fs.String("mode", modeDefault, "dev or prod")
	logFormatFlag := fs.String("log-format", logFormatDefault, "text or json")
	logLevelFlag := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	controlAddrFlag := fs.String("control-addr", envOrDefault(lookup, envVarControlAddr, DefaultControlAddr), "local control API listen address")
	signalingURLFlag := fs.String("signaling-url", envOrDefault(lookup, envVarSignalingURL, ""), "ws(s) URL of the signaling relay")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatFlag)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelFlag)
	if err != nil {
		return Config{}, err
	}

	signalingURL := strings.TrimSpace(*signalingURLFlag)
	if signalingURL == "" {
		return Config{}, fmt.Errorf("%s is required", envVarSignalingURL)
	}
	if err := validateWSURL(signalingURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingURL, signalingURL, err)
	}

	userID := strings.TrimSpace(envOrDefault(lookup, envVarUserID, ""))
	if userID == "" {
		return Config{}, fmt.Errorf("%s is required", envVarUserID)
	}
	deviceID := strings.TrimSpace(envOrDefault(lookup, envVarDeviceID, ""))
	if deviceID == "" {
		return Config{}, fmt.Errorf("%s is required", envVarDeviceID)
	}

	authSecret := envOrDefault(lookup, envVarAuthSecret, "")
	if authSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envVarAuthSecret)
	}

	cfg := Config{
		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  logLevel,

		ControlAddr: *controlAddrFlag,

		UserID:   userID,
		DeviceID: deviceID,

		SignalingURL: signalingURL,
		AuthSecret:   authSecret,

		HistoryDBPath: envOrDefault(lookup, envVarHistoryDBPath, DefaultHistoryDBPath),
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.ShutdownTimeout, envVarShutdownTimeout, DefaultShutdownTimeout},
		{&cfg.SignalingPingInterval, envVarSignalingPingInterval, DefaultSignalingPingInterval},
		{&cfg.SignalingWriteTimeout, envVarSignalingWriteTimeout, DefaultSignalingWriteTimeout},
		{&cfg.SignalingConnectTimeout, envVarSignalingConnectTimeout, DefaultSignalingConnectTimeout},
		{&cfg.SignalingReconnectMin, envVarSignalingReconnectMin, DefaultSignalingReconnectMin},
		{&cfg.SignalingReconnectMax, envVarSignalingReconnectMax, DefaultSignalingReconnectMax},
		{&cfg.SignalingGracePeriod, envVarSignalingGracePeriod, DefaultSignalingGracePeriod},
		{&cfg.AuthTokenTTL, envVarAuthTokenTTL, DefaultAuthTokenTTL},
		{&cfg.RingTimeout, envVarRingTimeout, DefaultRingTimeout},
		{&cfg.StaleEventWindow, envVarStaleEventWindow, DefaultStaleEventWindow},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be > 0", d.key)
		}
		*d.dst = v
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if maxMsgBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarMaxSignalingMessageBytes)
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)

	cfg.MaxSignalingEventsPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingEventsPerSec, DefaultMaxSignalingEventsPerSecond)
	if err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingEventsPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarMaxSignalingEventsPerSec)
	}

	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTL := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTL = n
	}
	cfg.TURNREST = TurnRESTConfig{
		SharedSecret:   turnRESTSecret,
		TTLSeconds:     turnRESTTTL,
		UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}
