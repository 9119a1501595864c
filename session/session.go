// Package session implements the Session (C8) and Receiver Loop (C7): the
// authenticated, long-lived, encrypted connection to an access point, its
// auth barrier, and the sub-subsystems built on top of it. Grounded on the
// teacher's circuit.Circuit (github.com/cvsouth/tor-go/circuit) for the
// mutex-guarded send path and on cmd/tor-client/main.go's
// buildInitialCircuit retry-and-rebuild shape for reconnect.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rivergate-audio/ap-go/apconn"
	"github.com/rivergate-audio/ap-go/apcore"
	"github.com/rivergate-audio/ap-go/apresolve"
	"github.com/rivergate-audio/ap-go/crypto/dhkey"
	"github.com/rivergate-audio/ap-go/crypto/shannon"
	"github.com/rivergate-audio/ap-go/handshake"
	"github.com/rivergate-audio/ap-go/internal/gate"
	"github.com/rivergate-audio/ap-go/login"
	"github.com/rivergate-audio/ap-go/mercury"
	"github.com/rivergate-audio/ap-go/metrics"
	"github.com/rivergate-audio/ap-go/token"
)

// watchdogInterval is the PING cadence the core assumes (spec.md §4.7/§9):
// if no PING arrives within this window the connection is assumed dead.
const watchdogInterval = 125 * time.Second

// Phase is the session's coarse lifecycle state.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAuthenticated
	PhaseClosing
	PhaseClosed
)

// Config configures a Session. Username/Password (or a prior
// ReusableAuth) select the login credentials; everything else has a
// working default.
type Config struct {
	Username       string
	Password       string
	ReusableAuth   []byte
	ReusableAuthType login.AuthType

	BuildInfo     handshake.BuildInfo
	ClientID      string
	DeviceID      string // validated/generated by login.DeviceID

	StoreCredentials      bool
	StoredCredentialsFile string
	PreferredLocale       string

	// NewMercury constructs the Mercury client this session uses, given the
	// narrow send/read capability the sub-subsystems are allowed (spec.md
	// §9: "sub-subsystems reach back only through a narrow capability
	// interface"). If nil, mercury.NoOp{} is used.
	NewMercury func(s *Session) mercury.Client

	Resolver *apresolve.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// InstallSignalHandlers opts into os/signal.Notify(SIGINT, SIGTERM)
	// calling Close. Off by default (spec.md §9).
	InstallSignalHandlers bool

	// ServerPublicKeyHex overrides dhkey's compiled-in AP signing key
	// (hex-encoded RSA modulus). Empty keeps the default.
	ServerPublicKeyHex string
}

func (c Config) credentials() login.Credentials {
	if c.ReusableAuth != nil {
		return login.Credentials{Username: c.Username, AuthData: c.ReusableAuth, AuthType: c.ReusableAuthType}
	}
	return login.Credentials{Username: c.Username, AuthData: []byte(c.Password), AuthType: login.AuthTypeUserPass}
}

func (c Config) loginConfig() login.Config {
	return login.Config{
		StoreCredentials:      c.StoreCredentials,
		StoredCredentialsFile: c.StoredCredentialsFile,
		PreferredLocale:       c.PreferredLocale,
	}
}

// Session is one authenticated connection to an access point.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	resolver *apresolve.Resolver
	deviceID string

	sendMu sync.Mutex // serializes encode+write so nonce order matches wire order

	mu     sync.Mutex // guards conn/cipher/gate/core across reconnects
	conn   *apconn.Conn
	cipher *shannon.Pair
	gate   *gate.Gate
	core   *Core

	watchdogMu sync.Mutex
	watchdog   *time.Timer

	countryMu sync.RWMutex
	country   string

	attrsMu sync.RWMutex
	attrs   map[string]string

	closeOnce sync.Once
	phase     Phase
}

// New resolves an access point, performs the handshake, logs in, and — once
// authenticated — releases the auth barrier and starts the receiver loop.
func New(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = apresolve.New()
	}
	deviceID, err := login.DeviceID(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if cfg.ServerPublicKeyHex != "" {
		modulus, err := hex.DecodeString(cfg.ServerPublicKeyHex)
		if err != nil {
			return nil, apcore.Wrap(apcore.KindProtocolError, "decode ServerPublicKeyHex", err)
		}
		dhkey.SetServerPublicKey(modulus)
	}

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		resolver: resolver,
		deviceID: deviceID,
		gate:     gate.New(),
		attrs:    make(map[string]string),
	}

	if err := s.connectAndAuthenticate(ctx); err != nil {
		return nil, err
	}

	go s.runReceiver(ctx)
	if s.core.Mercury != nil {
		_ = s.core.Mercury.Subscribe("spotify:user:attributes:update", s)
	}
	return s, nil
}

// connectAndAuthenticate dials a fresh access point, runs the handshake and
// login, and installs the resulting conn/cipher/core. Used by both New and
// reconnect.
func (s *Session) connectAndAuthenticate(ctx context.Context) error {
	addr, err := s.resolver.RandomOf(ctx, "accesspoint")
	if err != nil {
		return err
	}
	conn, err := apconn.Dial(ctx, string(addr))
	if err != nil {
		return err
	}

	result, err := handshake.Run(ctx, conn, s.cfg.BuildInfo, s.logger)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.cipher = result.Cipher
	s.mu.Unlock()

	s.metrics.LoginAttempt()
	welcome, err := login.Login(s, s.cfg.credentials(), s.cfg.loginConfig(), s.deviceID, "ap-go-0.1.0")
	if err != nil {
		_ = conn.Close()
		return err
	}

	var mercuryClient mercury.Client = mercury.NoOp{}
	if s.cfg.NewMercury != nil {
		mercuryClient = s.cfg.NewMercury(s)
	}
	tokens := &token.Provider{Mercury: mercuryClient, ClientID: s.cfg.ClientID, DeviceID: s.deviceID, Metrics: s.metrics}
	core := &Core{Welcome: welcome, Mercury: mercuryClient, Tokens: tokens}

	s.mu.Lock()
	s.core = core
	g := s.gate
	s.phase = PhaseAuthenticated
	s.mu.Unlock()
	g.Release(core)

	s.armWatchdog()
	return nil
}

// SendPacket implements login.Sender: encode-and-write one packet, under
// sendMu so encode (nonce assignment) and write can never interleave with a
// concurrent Send — the same ordering guarantee the teacher enforces with
// Circuit.wmu across encryptRelayLocked+WriteCell.
func (s *Session) SendPacket(cmd byte, payload []byte) error {
	s.mu.Lock()
	conn, cipher := s.conn, s.cipher
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame, err := cipher.EncodePacket(cmd, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(frame); err != nil {
		return err
	}
	return conn.Flush()
}

// ReadPacket implements login.Sender: read and decrypt the next packet. Used
// only during the login exchange, before the receiver loop takes over the
// read side.
func (s *Session) ReadPacket() (byte, []byte, error) {
	s.mu.Lock()
	conn, cipher := s.conn, s.cipher
	s.mu.Unlock()
	return cipher.DecodePacket(conn)
}

// Send transmits one application packet. ctx is honored only insofar as it
// is checked before the send begins — the underlying write has no
// cancellation support once in flight, matching apconn.Conn's blocking
// writes.
func (s *Session) Send(ctx context.Context, cmd byte, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return apcore.Wrap(apcore.KindSessionClosed, "send cancelled", err)
	}
	return s.SendPacket(cmd, payload)
}

// Mercury blocks until the auth barrier releases, then returns the Mercury
// client.
func (s *Session) Mercury(ctx context.Context) (mercury.Client, error) {
	core, err := s.waitCore(ctx)
	if err != nil {
		return nil, err
	}
	return core.Mercury, nil
}

// Tokens blocks until the auth barrier releases, then returns the Token
// Provider.
func (s *Session) Tokens(ctx context.Context) (*token.Provider, error) {
	core, err := s.waitCore(ctx)
	if err != nil {
		return nil, err
	}
	return core.Tokens, nil
}

// Welcome blocks until the auth barrier releases, then returns the canonical
// username from the server's APWelcome of the most recent (re)authentication.
func (s *Session) Welcome(ctx context.Context) (string, error) {
	core, err := s.waitCore(ctx)
	if err != nil {
		return "", err
	}
	return core.Welcome.CanonicalUsername, nil
}

func (s *Session) waitCore(ctx context.Context) (*Core, error) {
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()

	v, err := g.Wait(ctx)
	if err != nil {
		return nil, err
	}
	core, ok := v.(*Core)
	if !ok || core == nil {
		return nil, apcore.New(apcore.KindSessionClosed, "session closed")
	}
	return core, nil
}

// DeviceID returns this session's device id.
func (s *Session) DeviceID() string { return s.deviceID }

// Country returns the most recently received COUNTRY_CODE value, or "" if
// none has arrived yet.
func (s *Session) Country() string {
	s.countryMu.RLock()
	defer s.countryMu.RUnlock()
	return s.country
}

func (s *Session) setCountry(code string) {
	s.countryMu.Lock()
	s.country = code
	s.countryMu.Unlock()
}

// UserAttr returns a product-info/user-attribute value by key.
func (s *Session) UserAttr(key string) (string, bool) {
	s.attrsMu.RLock()
	defer s.attrsMu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *Session) setUserAttrs(attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	s.attrsMu.Lock()
	for k, v := range attrs {
		s.attrs[k] = v
	}
	s.attrsMu.Unlock()
}

// OnEvent implements mercury.Listener for the
// spotify:user:attributes:update subscription issued at construction. The
// push event's payload is JSON, unlike PRODUCT_INFO's XML.
func (s *Session) OnEvent(uri string, payload []byte) {
	var m map[string]string
	if err := json.Unmarshal(payload, &m); err != nil {
		s.logger.Debug("failed to parse user attributes event", "error", err)
		return
	}
	s.setUserAttrs(m)
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Close shuts the session down: stops the watchdog, closes the connection
// (unblocking the receiver's read), and aborts the auth barrier so any
// blocked or later caller observes SessionClosed. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		closed := gate.New()
		closed.Abort(apcore.ErrSessionClosed)

		s.mu.Lock()
		s.phase = PhaseClosing
		conn := s.conn
		g := s.gate
		s.gate = closed
		s.mu.Unlock()

		s.watchdogMu.Lock()
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.watchdogMu.Unlock()

		g.Abort(apcore.ErrSessionClosed)

		if conn != nil {
			err = conn.Close()
		}

		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
	})
	return err
}

func (s *Session) armWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if s.watchdog == nil {
		s.watchdog = time.AfterFunc(watchdogInterval, s.onWatchdogExpired)
		return
	}
	s.watchdog.Reset(watchdogInterval)
}

func (s *Session) onWatchdogExpired() {
	s.logger.Warn("no PING within watchdog interval, treating connection as dead")
	go s.reconnect(context.Background())
}

// reconnect rebuilds the connection from scratch: a fresh auth barrier is
// installed so any caller that calls in during the rebuild blocks on it,
// then handshake+login are re-run with the previously stored reusable auth
// credentials. On failure the new gate is left un-released (spec.md §7):
// callers block until Close() delivers SessionClosed.
func (s *Session) reconnect(ctx context.Context) {
	s.metrics.Reconnect()

	s.mu.Lock()
	oldConn := s.conn
	prevCore := s.core
	s.gate = gate.New()
	s.phase = PhaseConnecting
	s.mu.Unlock()

	if oldConn != nil {
		_ = oldConn.Close()
	}

	reconnectCfg := s.cfg
	if prevCore != nil && prevCore.Welcome != nil && len(prevCore.Welcome.ReusableAuthCredentials) > 0 {
		reconnectCfg.ReusableAuth = prevCore.Welcome.ReusableAuthCredentials
		reconnectCfg.ReusableAuthType = login.AuthTypeStoredSpotify
	}
	s.mu.Lock()
	s.cfg = reconnectCfg
	s.mu.Unlock()

	if err := s.connectAndAuthenticate(ctx); err != nil {
		s.logger.Warn("reconnect failed", "error", err)
		s.metrics.ReceiverError()
		return
	}

	s.mu.Lock()
	core := s.core
	s.mu.Unlock()
	if core != nil && core.Mercury != nil {
		_ = core.Mercury.Subscribe("spotify:user:attributes:update", s)
	}

	go s.runReceiver(ctx)
	s.logger.Info("reconnected")
}
