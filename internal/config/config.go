package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/webrtc/v4"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/origin"
)

const envPrefix = "INVICTUS_KIOSK_"

const (
	EnvConfigFile      = envPrefix + "CONFIG"
	EnvMode            = envPrefix + "MODE"
	EnvLogFormat       = envPrefix + "LOG_FORMAT"
	EnvLogLevel        = envPrefix + "LOG_LEVEL"
	EnvListenAddr      = envPrefix + "LISTEN_ADDR"
	EnvShutdownTimeout = envPrefix + "SHUTDOWN_TIMEOUT"

	EnvKioskID        = envPrefix + "KIOSK_ID"
	EnvAuthMode       = envPrefix + "AUTH_MODE"
	EnvAPIKey         = envPrefix + "API_KEY"
	EnvAllowedOrigins = envPrefix + "ALLOWED_ORIGINS"

	// Backend endpoints.
	EnvSignalingURL          = envPrefix + "SIGNALING_URL"
	EnvSignalingToken        = envPrefix + "SIGNALING_TOKEN"
	EnvSignalingPingInterval = envPrefix + "SIGNALING_PING_INTERVAL"
	EnvSignalingIdleTimeout  = envPrefix + "SIGNALING_IDLE_TIMEOUT"
	EnvAccessReconnectDelay  = envPrefix + "ACCESS_RECONNECT_DELAY"
	EnvCallReconnectDelay    = envPrefix + "CALL_RECONNECT_DELAY"
	EnvTokenURL              = envPrefix + "TOKEN_URL"
	EnvTokenAPIKey           = envPrefix + "TOKEN_API_KEY"
	EnvRoomURL               = envPrefix + "ROOM_URL"

	// Call session timers.
	EnvMissedCallTimeout     = envPrefix + "MISSED_CALL_TIMEOUT"
	EnvCountdown             = envPrefix + "COUNTDOWN"
	EnvWatchdogTimeout       = envPrefix + "WATCHDOG_TIMEOUT"
	EnvMediaGrace            = envPrefix + "MEDIA_GRACE"
	EnvConnectAttempts       = envPrefix + "CONNECT_ATTEMPTS"
	EnvConnectAttemptTimeout = envPrefix + "CONNECT_ATTEMPT_TIMEOUT"
	EnvConnectRetryDelay     = envPrefix + "CONNECT_RETRY_DELAY"
	EnvStartInterval         = envPrefix + "START_INTERVAL"
	EnvStartBurst            = envPrefix + "START_BURST"

	// Relay board.
	EnvRelayVendorID     = envPrefix + "RELAY_VENDOR_ID"
	EnvRelayDeviceID     = envPrefix + "RELAY_DEVICE_ID"
	EnvRelayHold         = envPrefix + "RELAY_HOLD"
	EnvRelayQueryTimeout = envPrefix + "RELAY_QUERY_TIMEOUT"

	EnvNetworkPollInterval = envPrefix + "NETWORK_POLL_INTERVAL"

	EnvWebRTCUDPPortMin             = envPrefix + "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = envPrefix + "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCUDPListenIP            = envPrefix + "WEBRTC_UDP_LISTEN_IP"
	EnvWebRTCNAT1To1IPs             = envPrefix + "WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = envPrefix + "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvStunURLs                     = envPrefix + "STUN_URLS"
	EnvTurnURLs                     = envPrefix + "TURN_URLS"
	EnvTurnUsername                 = envPrefix + "TURN_USERNAME"
	EnvTurnCredential               = envPrefix + "TURN_CREDENTIAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8787"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeAPIKey

	DefaultSignalingPingInterval = 20 * time.Second
	DefaultSignalingIdleTimeout  = 60 * time.Second
	DefaultAccessReconnectDelay  = 10 * time.Second
	DefaultCallReconnectDelay    = 5 * time.Second

	DefaultMissedCallTimeout     = 45 * time.Second
	DefaultCountdown             = 45 * time.Second
	DefaultWatchdogTimeout       = 15 * time.Second
	DefaultMediaGrace            = 3 * time.Second
	DefaultConnectAttempts       = 5
	DefaultConnectAttemptTimeout = 10 * time.Second
	DefaultConnectRetryDelay     = 2 * time.Second
	DefaultStartInterval         = 10 * time.Second
	DefaultStartBurst            = 3

	DefaultRelayVendorID     uint16 = 0x2a19
	DefaultRelayHold                = 5 * time.Second
	DefaultRelayQueryTimeout        = 500 * time.Millisecond

	DefaultNetworkPollInterval = 5 * time.Second

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize keeps a restricted ICE port range from
// starving the call of candidates.
const recommendedWebRTCUDPPortRangeSize = 100

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

// AuthMode guards the local control API.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ConfigFile      string
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	KioskID  string
	AuthMode AuthMode
	APIKey   string
	// AllowedOrigins lists browser origins besides the API's own host that
	// may call the control API. "*" allows any.
	AllowedOrigins []string

	// SignalingURL is the ws:// or wss:// hub endpoint. Empty disables
	// signaling, which leaves only locally started calls without remote
	// unlock.
	SignalingURL          string
	SignalingToken        string
	SignalingPingInterval time.Duration
	SignalingIdleTimeout  time.Duration
	AccessReconnectDelay  time.Duration
	CallReconnectDelay    time.Duration

	TokenURL    string
	TokenAPIKey string
	RoomURL     string

	MissedCallTimeout     time.Duration
	Countdown             time.Duration
	WatchdogTimeout       time.Duration
	MediaGrace            time.Duration
	ConnectAttempts       int
	ConnectAttemptTimeout time.Duration
	ConnectRetryDelay     time.Duration
	StartInterval         time.Duration
	StartBurst            int

	RelayVendorID     uint16
	RelayDeviceID     string
	RelayHold         time.Duration
	RelayQueryTimeout time.Duration

	NetworkPollInterval time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised for ICE when the kiosk sits behind a
	// static NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local address ICE binds to. 0.0.0.0
	// means all interfaces.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
}

// CallsEnabled reports whether the token and room endpoints needed to place
// calls are configured.
func (c Config) CallsEnabled() bool {
	return c.TokenURL != "" && c.RoomURL != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("invictus-kiosk", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFile      string
		modeStr         = string(DefaultMode)
		logFormatStr    string
		logLevelStr     string
		listenAddr      = DefaultListenAddr
		shutdownTimeout = DefaultShutdown

		kioskID           string
		authModeStr       = string(DefaultAuthMode)
		apiKey            string
		allowedOriginsStr string

		signalingURL          string
		signalingToken        string
		signalingPingInterval = DefaultSignalingPingInterval
		signalingIdleTimeout  = DefaultSignalingIdleTimeout
		accessReconnectDelay  = DefaultAccessReconnectDelay
		callReconnectDelay    = DefaultCallReconnectDelay
		tokenURL              string
		tokenAPIKey           string
		roomURL               string

		missedCallTimeout     = DefaultMissedCallTimeout
		countdown             = DefaultCountdown
		watchdogTimeout       = DefaultWatchdogTimeout
		mediaGrace            = DefaultMediaGrace
		connectAttempts       = DefaultConnectAttempts
		connectAttemptTimeout = DefaultConnectAttemptTimeout
		connectRetryDelay     = DefaultConnectRetryDelay
		startInterval         = DefaultStartInterval
		startBurst            = DefaultStartBurst

		relayVendorIDStr  = fmt.Sprintf("0x%04x", DefaultRelayVendorID)
		relayDeviceID     string
		relayHold         = DefaultRelayHold
		relayQueryTimeout = DefaultRelayQueryTimeout

		networkPollInterval = DefaultNetworkPollInterval

		webrtcUDPPortMin              uint
		webrtcUDPPortMax              uint
		webrtcUDPListenIPStr          = DefaultWebRTCUDPListenIP
		webrtcNAT1To1IPsStr           string
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
		stunURLs                      string
		turnURLs                      string
		turnUsername                  string
		turnCredential                string
	)

	// envs maps each flag to the env var that supplies its default.
	envs := map[string]string{}
	bind := func(name, env string) string {
		envs[name] = env
		return " (env " + env + ")"
	}

	fs.StringVar(&configFile, "config", configFile, "Optional TOML file with settings below env and flags"+bind("config", EnvConfigFile))
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod"+bind("mode", EnvMode))
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default by mode)"+bind("log-format", EnvLogFormat))
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default by mode)"+bind("log-level", EnvLogLevel))
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Local control API listen address (host:port)"+bind("listen-addr", EnvListenAddr))
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout"+bind("shutdown-timeout", EnvShutdownTimeout))

	fs.StringVar(&kioskID, "kiosk-id", kioskID, "Kiosk id; routing id of the access-control channel"+bind("kiosk-id", EnvKioskID))
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Local control API auth: none or api_key"+bind("auth-mode", EnvAuthMode))
	fs.StringVar(&apiKey, "api-key", apiKey, "Local control API key"+bind("api-key", EnvAPIKey))
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed to call the control API"+bind("allowed-origins", EnvAllowedOrigins))

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling hub URL (ws:// or wss://)"+bind("signaling-url", EnvSignalingURL))
	fs.StringVar(&signalingToken, "signaling-token", signalingToken, "Bearer token presented to the signaling hub"+bind("signaling-token", EnvSignalingToken))
	fs.DurationVar(&signalingPingInterval, "signaling-ping-interval", signalingPingInterval, "Signaling keepalive ping interval"+bind("signaling-ping-interval", EnvSignalingPingInterval))
	fs.DurationVar(&signalingIdleTimeout, "signaling-idle-timeout", signalingIdleTimeout, "Drop the signaling connection after this long without traffic"+bind("signaling-idle-timeout", EnvSignalingIdleTimeout))
	fs.DurationVar(&accessReconnectDelay, "access-reconnect-delay", accessReconnectDelay, "Access-control channel reconnect delay"+bind("access-reconnect-delay", EnvAccessReconnectDelay))
	fs.DurationVar(&callReconnectDelay, "call-reconnect-delay", callReconnectDelay, "Call-lifecycle channel reconnect delay"+bind("call-reconnect-delay", EnvCallReconnectDelay))
	fs.StringVar(&tokenURL, "token-url", tokenURL, "Call token service URL"+bind("token-url", EnvTokenURL))
	fs.StringVar(&tokenAPIKey, "token-api-key", tokenAPIKey, "API key for the call token service"+bind("token-api-key", EnvTokenAPIKey))
	fs.StringVar(&roomURL, "room-url", roomURL, "Media room SDP exchange endpoint"+bind("room-url", EnvRoomURL))

	fs.DurationVar(&missedCallTimeout, "missed-call-timeout", missedCallTimeout, "Unanswered call timeout"+bind("missed-call-timeout", EnvMissedCallTimeout))
	fs.DurationVar(&countdown, "countdown", countdown, "Maximum call length once connected"+bind("countdown", EnvCountdown))
	fs.DurationVar(&watchdogTimeout, "watchdog-timeout", watchdogTimeout, "End the call if a media reconnect takes longer than this"+bind("watchdog-timeout", EnvWatchdogTimeout))
	fs.DurationVar(&mediaGrace, "media-grace", mediaGrace, "How long a camera error stays on screen before the call fails"+bind("media-grace", EnvMediaGrace))
	fs.IntVar(&connectAttempts, "connect-attempts", connectAttempts, "Room connect attempts per call"+bind("connect-attempts", EnvConnectAttempts))
	fs.DurationVar(&connectAttemptTimeout, "connect-attempt-timeout", connectAttemptTimeout, "Timeout of one room connect attempt"+bind("connect-attempt-timeout", EnvConnectAttemptTimeout))
	fs.DurationVar(&connectRetryDelay, "connect-retry-delay", connectRetryDelay, "Delay between room connect attempts"+bind("connect-retry-delay", EnvConnectRetryDelay))
	fs.DurationVar(&startInterval, "start-interval", startInterval, "Average interval between allowed call starts (0 = unlimited)"+bind("start-interval", EnvStartInterval))
	fs.IntVar(&startBurst, "start-burst", startBurst, "Call starts allowed in a burst"+bind("start-burst", EnvStartBurst))

	fs.StringVar(&relayVendorIDStr, "relay-vendor-id", relayVendorIDStr, "USB vendor id of the relay board"+bind("relay-vendor-id", EnvRelayVendorID))
	fs.StringVar(&relayDeviceID, "relay-device-id", relayDeviceID, "Relay device id (empty = first board found)"+bind("relay-device-id", EnvRelayDeviceID))
	fs.DurationVar(&relayHold, "relay-hold", relayHold, "Default time a relay stays energized"+bind("relay-hold", EnvRelayHold))
	fs.DurationVar(&relayQueryTimeout, "relay-query-timeout", relayQueryTimeout, "Relay state query timeout"+bind("relay-query-timeout", EnvRelayQueryTimeout))

	fs.DurationVar(&networkPollInterval, "network-poll-interval", networkPollInterval, "Network reachability poll interval"+bind("network-poll-interval", EnvNetworkPollInterval))

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for ICE (0 = unset)"+bind("webrtc-udp-port-min", EnvWebRTCUDPPortMin))
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for ICE (0 = unset)"+bind("webrtc-udp-port-max", EnvWebRTCUDPPortMax))
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for ICE UDP sockets"+bind("webrtc-udp-listen-ip", EnvWebRTCUDPListenIP))
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE"+bind("webrtc-nat-1to1-ips", EnvWebRTCNAT1To1IPs))
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx"+bind("webrtc-nat-1to1-ip-candidate-type", EnvWebRTCNAT1To1IPCandidateType))
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (stun: or stuns:)"+bind("stun-urls", EnvStunURLs))
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (turn: or turns:); needs --turn-username and --turn-credential"+bind("turn-urls", EnvTurnURLs))
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username"+bind("turn-username", EnvTurnUsername))
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential"+bind("turn-credential", EnvTurnCredential))

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// Precedence: flags, then env, then the TOML file, then defaults.
	envSet := map[string]bool{}
	for name, env := range envs {
		if raw, ok := lookup(env); ok && strings.TrimSpace(raw) != "" {
			envSet[name] = true
		}
	}
	if !setFlags["config"] && envSet["config"] {
		configFile, _ = lookup(EnvConfigFile)
		configFile = strings.TrimSpace(configFile)
	}
	fileSet := map[string]bool{}
	if configFile != "" {
		values, err := readFile(configFile)
		if err != nil {
			return Config{}, err
		}
		for _, key := range sortedKeys(values) {
			name := strings.ReplaceAll(key, "_", "-")
			if name == "config" || fs.Lookup(name) == nil {
				return Config{}, fmt.Errorf("%s: unknown setting %q", configFile, key)
			}
			if setFlags[name] || envSet[name] {
				continue
			}
			if err := fs.Set(name, values[key]); err != nil {
				return Config{}, fmt.Errorf("%s: invalid %s %q: %w", configFile, key, values[key], err)
			}
			fileSet[name] = true
		}
	}
	for _, name := range sortedKeys(envs) {
		if name == "config" || setFlags[name] || !envSet[name] {
			continue
		}
		raw, _ := lookup(envs[name])
		if err := fs.Set(name, strings.TrimSpace(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envs[name], raw, err)
		}
	}
	explicit := func(name string) bool {
		return setFlags[name] || envSet[name] || fileSet[name]
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !explicit("log-format") {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if !explicit("log-level") {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	kioskID = strings.TrimSpace(kioskID)
	apiKey = strings.TrimSpace(apiKey)
	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if kioskID == "" {
		return Config{}, fmt.Errorf("%s/--kiosk-id must be set", EnvKioskID)
	}
	if authMode == AuthModeAPIKey && apiKey == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", EnvAPIKey, EnvAuthMode, AuthModeAPIKey)
	}
	allowedOrigins, err := origin.ParseAllowed(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", EnvAllowedOrigins, err)
	}

	if signalingURL, err = parseEndpoint(signalingURL, "ws", "wss"); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--signaling-url: %w", EnvSignalingURL, err)
	}
	if tokenURL, err = parseEndpoint(tokenURL, "http", "https"); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--token-url: %w", EnvTokenURL, err)
	}
	if roomURL, err = parseEndpoint(roomURL, "http", "https"); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--room-url: %w", EnvRoomURL, err)
	}
	if (tokenURL == "") != (roomURL == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", EnvTokenURL, EnvRoomURL)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"signaling-ping-interval", signalingPingInterval},
		{"signaling-idle-timeout", signalingIdleTimeout},
		{"access-reconnect-delay", accessReconnectDelay},
		{"call-reconnect-delay", callReconnectDelay},
		{"missed-call-timeout", missedCallTimeout},
		{"countdown", countdown},
		{"watchdog-timeout", watchdogTimeout},
		{"media-grace", mediaGrace},
		{"connect-attempt-timeout", connectAttemptTimeout},
		{"relay-hold", relayHold},
		{"relay-query-timeout", relayQueryTimeout},
		{"network-poll-interval", networkPollInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return Config{}, fmt.Errorf("%s/--%s must be > 0", envs[p.name], p.name)
		}
	}
	if signalingPingInterval >= signalingIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be < %s/--signaling-idle-timeout", EnvSignalingPingInterval, EnvSignalingIdleTimeout)
	}
	if connectRetryDelay < 0 {
		return Config{}, fmt.Errorf("%s/--connect-retry-delay must be >= 0", EnvConnectRetryDelay)
	}
	if startInterval < 0 {
		return Config{}, fmt.Errorf("%s/--start-interval must be >= 0 (0 = unlimited)", EnvStartInterval)
	}
	if connectAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--connect-attempts must be > 0", EnvConnectAttempts)
	}
	if startBurst <= 0 {
		return Config{}, fmt.Errorf("%s/--start-burst must be > 0", EnvStartBurst)
	}

	relayVendorID, err := parseVendorID(relayVendorIDStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-vendor-id %q: %w", EnvRelayVendorID, relayVendorIDStr, err)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min and %s/--webrtc-udp-port-max must be set together (or both unset)",
				EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", EnvWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", EnvWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", EnvWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips %q: %w", EnvWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type %q: %w", EnvWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	iceServers, err := iceSettings{
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
	}.servers()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConfigFile:      configFile,
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		KioskID:        kioskID,
		AuthMode:       authMode,
		APIKey:         apiKey,
		AllowedOrigins: allowedOrigins,

		SignalingURL:          signalingURL,
		SignalingToken:        strings.TrimSpace(signalingToken),
		SignalingPingInterval: signalingPingInterval,
		SignalingIdleTimeout:  signalingIdleTimeout,
		AccessReconnectDelay:  accessReconnectDelay,
		CallReconnectDelay:    callReconnectDelay,

		TokenURL:    tokenURL,
		TokenAPIKey: strings.TrimSpace(tokenAPIKey),
		RoomURL:     roomURL,

		MissedCallTimeout:     missedCallTimeout,
		Countdown:             countdown,
		WatchdogTimeout:       watchdogTimeout,
		MediaGrace:            mediaGrace,
		ConnectAttempts:       connectAttempts,
		ConnectAttemptTimeout: connectAttemptTimeout,
		ConnectRetryDelay:     connectRetryDelay,
		StartInterval:         startInterval,
		StartBurst:            startBurst,

		RelayVendorID:     relayVendorID,
		RelayDeviceID:     strings.TrimSpace(relayDeviceID),
		RelayHold:         relayHold,
		RelayQueryTimeout: relayQueryTimeout,

		NetworkPollInterval: networkPollInterval,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		ICEServers:                   iceServers,
	}, nil
}

// readFile decodes a flat TOML file into flag values keyed by setting name.
// Keys use underscores (missed_call_timeout); arrays become comma-separated
// lists.
func readFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for key, v := range raw {
		s, err := tomlValueString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, key, err)
		}
		out[key] = s
	}
	return out, nil
}

func tomlValueString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := tomlValueString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", EnvAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

// parseEndpoint validates an optional absolute URL. Credentials in the URL
// are rejected; tokens travel in headers.
func parseEndpoint(raw string, schemes ...string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	ok := false
	for _, s := range schemes {
		if scheme == s {
			ok = true
		}
	}
	if !ok {
		return "", fmt.Errorf("%q: expected %s:// URL", raw, strings.Join(schemes, ":// or "))
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.User != nil {
		return "", errors.New("URL must not include credentials")
	}
	return raw, nil
}

func parseVendorID(raw string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 16)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.New("vendor id must be non-zero")
	}
	return uint16(v), nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost), "":
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
