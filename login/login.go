// Package login drives the post-handshake LOGIN exchange: sending encrypted
// credentials, parsing AP_WELCOME or AUTH_FAILURE, the post-welcome
// UNKNOWN_0x0F/PREFERRED_LOCALE packets, and persisting reusable credentials.
// Grounded on the teacher's directory.Cache JSON-to-disk pattern
// (github.com/cvsouth/tor-go/directory/cache.go), adapted to a single
// security-sensitive file written atomically via temp-file-then-rename.
package login

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rivergate-audio/ap-go/apcore"
	"github.com/rivergate-audio/ap-go/protocol"
)

// Command codes this package sends and expects, per spec.md §6.
const (
	CmdLogin            byte = 0xAB
	CmdAPWelcome        byte = 0xAC
	CmdAuthFailure      byte = 0xAD
	CmdUnknown0x0F      byte = 0x0F
	CmdPreferredLocale  byte = 0x74
)

// AuthType mirrors the credential types the AP protocol's login_credentials
// union can carry.
type AuthType uint32

const (
	AuthTypeUserPass        AuthType = 0
	AuthTypeStoredFacebook   AuthType = 1
	AuthTypeStoredSpotify    AuthType = 2
)

// Credentials identifies how the caller wants to authenticate: a password,
// or a previously persisted reusable auth token.
type Credentials struct {
	Username string
	AuthData []byte
	AuthType AuthType
}

// Sender is the narrow capability login needs back from the session: encode
// and transmit one encrypted packet, and read the next one. Session
// implements this; tests can fake it directly.
type Sender interface {
	SendPacket(cmd byte, payload []byte) error
	ReadPacket() (cmd byte, payload []byte, err error)
}

// Config controls optional credential persistence (spec.md §6).
type Config struct {
	StoreCredentials      bool
	StoredCredentialsFile string
	PreferredLocale       string
	DeviceName            string
	DeviceID              string
}

// StoredCredentials is the on-disk persisted-credentials format.
type StoredCredentials struct {
	Username    string `json:"username"`
	Credentials string `json:"credentials"` // base64
	Type        string `json:"type"`
}

var authTypeNames = map[AuthType]string{
	AuthTypeUserPass:       "AUTHENTICATION_USER_PASS",
	AuthTypeStoredFacebook: "AUTHENTICATION_STORED_FACEBOOK_CREDENTIALS",
	AuthTypeStoredSpotify:  "AUTHENTICATION_STORED_SPOTIFY_CREDENTIALS",
}

// DeviceID validates a caller-provided 40-hex-char device id, or generates
// one if provided is empty.
func DeviceID(provided string) (string, error) {
	if provided == "" {
		var b [20]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", apcore.Wrap(apcore.KindSocketError, "generate device id", err)
		}
		return hex.EncodeToString(b[:]), nil
	}
	if len(provided) != 40 {
		return "", apcore.New(apcore.KindProtocolError, "device id must be 40 hex characters")
	}
	if _, err := hex.DecodeString(provided); err != nil {
		return "", apcore.Wrap(apcore.KindProtocolError, "device id must be hex", err)
	}
	return provided, nil
}

// Login sends the encrypted LOGIN packet and processes the server's reply.
// On success it returns the parsed APWelcome; the caller (session.Session)
// is responsible for starting the receiver and releasing the auth barrier —
// this package only owns the login exchange and credential persistence.
func Login(s Sender, creds Credentials, cfg Config, deviceID, versionString string) (*protocol.APWelcome, error) {
	payload := (&protocol.ClientResponseEncrypted{
		LoginCredentials: protocol.LoginCredentials{
			Username: creds.Username,
			AuthData: creds.AuthData,
			AuthType: uint32(creds.AuthType),
		},
		SystemInfo: protocol.SystemInfo{
			OS:         "UNKNOWN",
			CPU:        "UNKNOWN",
			InfoString: "ap-go",
			DeviceID:   deviceID,
		},
		VersionString: versionString,
	}).MarshalAP()

	if err := s.SendPacket(CmdLogin, payload); err != nil {
		return nil, err
	}

	cmd, body, err := s.ReadPacket()
	if err != nil {
		return nil, err
	}

	switch cmd {
	case CmdAPWelcome:
		welcome, err := protocol.UnmarshalAPWelcome(body)
		if err != nil {
			return nil, apcore.Wrap(apcore.KindProtocolError, "parse APWelcome", err)
		}
		if err := postWelcome(s, cfg); err != nil {
			return nil, err
		}
		if cfg.StoreCredentials {
			if err := SaveCredentials(cfg.StoredCredentialsFile, welcome); err != nil {
				return nil, err
			}
		}
		return welcome, nil

	case CmdAuthFailure:
		failed, err := protocol.UnmarshalAPLoginFailed(body)
		if err != nil {
			return nil, apcore.Wrap(apcore.KindProtocolError, "parse APLoginFailed", err)
		}
		return nil, apcore.WithCode(apcore.KindAuthFailed, failed.ErrorCode, "login rejected")

	default:
		return nil, apcore.New(apcore.KindProtocolError, fmt.Sprintf("unexpected packet 0x%02x after LOGIN", cmd))
	}
}

func postWelcome(s Sender, cfg Config) error {
	var nonce [20]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return apcore.Wrap(apcore.KindSocketError, "generate post-welcome nonce", err)
	}
	if err := s.SendPacket(CmdUnknown0x0F, nonce[:]); err != nil {
		return err
	}

	locale := cfg.PreferredLocale
	if locale == "" {
		locale = "en"
	}
	payload := append([]byte{0x00, 0x00, 0x10, 0x00, 0x02}, []byte("preferred-locale")...)
	payload = append(payload, []byte(locale)...)
	return s.SendPacket(CmdPreferredLocale, payload)
}

// SaveCredentials writes {username, base64(credentials), type} atomically to
// path, creating parent directories as needed.
func SaveCredentials(path string, welcome *protocol.APWelcome) error {
	if path == "" {
		path = "./credentials.json"
	}
	typeName, ok := authTypeNames[AuthType(welcome.ReusableAuthCredentialsType)]
	if !ok {
		typeName = authTypeNames[AuthTypeUserPass]
	}
	stored := StoredCredentials{
		Username:    welcome.CanonicalUsername,
		Credentials: base64.StdEncoding.EncodeToString(welcome.ReusableAuthCredentials),
		Type:        typeName,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return apcore.Wrap(apcore.KindProtocolError, "marshal stored credentials", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return apcore.Wrap(apcore.KindSocketError, "create credentials dir", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return apcore.Wrap(apcore.KindSocketError, "write temp credentials file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apcore.Wrap(apcore.KindSocketError, "rename credentials file", err)
	}
	return nil
}

// LoadCredentials reads a previously persisted credentials file and returns
// Credentials ready for a reusable-auth login.
func LoadCredentials(path string) (Credentials, error) {
	if path == "" {
		path = "./credentials.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, apcore.Wrap(apcore.KindSocketError, "read stored credentials", err)
	}
	var stored StoredCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return Credentials{}, apcore.Wrap(apcore.KindProtocolError, "parse stored credentials", err)
	}
	authData, err := base64.StdEncoding.DecodeString(stored.Credentials)
	if err != nil {
		return Credentials{}, apcore.Wrap(apcore.KindProtocolError, "decode stored credentials", err)
	}
	authType := AuthTypeStoredSpotify
	for t, name := range authTypeNames {
		if name == stored.Type {
			authType = t
		}
	}
	return Credentials{Username: stored.Username, AuthData: authData, AuthType: authType}, nil
}
