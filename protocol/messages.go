// Package protocol defines the hand-written stand-ins for the generated
// protobuf messages the AP wire format carries. Real generated protobuf
// message classes are an explicit out-of-scope collaborator (spec.md §1); the
// types here encode the same field layout a generated
// google.golang.org/protobuf message would, with MarshalAP/UnmarshalAP
// methods in place of generated Marshal/Unmarshal, so the core's packages have
// something concrete to build against (see DESIGN.md, Open Questions).
package protocol

import (
	"encoding/binary"
	"fmt"
)

// CryptoSuiteShannon is the only cryptosuite this core's ClientHello offers.
const CryptoSuiteShannon = "SHN1"

// ClientHello is the first message of the handshake.
type ClientHello struct {
	Nonce             [16]byte
	Platform          string
	Product           string
	Version           string
	DHPublicKey       []byte
	ServerKeysKnown   uint32
	Padding           byte
}

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	buf = append(buf, s...)
	return buf
}

func putBytes(buf []byte, b []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf = append(buf, l[:]...)
	buf = append(buf, b...)
	return buf
}

func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("protocol: truncated string length")
	}
	l := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]
	if len(buf) < int(l) {
		return "", nil, fmt.Errorf("protocol: truncated string body")
	}
	return string(buf[:l]), buf[l:], nil
}

func takeBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("protocol: truncated bytes length")
	}
	l := binary.BigEndian.Uint16(buf[:2])
	buf = buf[2:]
	if len(buf) < int(l) {
		return nil, nil, fmt.Errorf("protocol: truncated bytes body")
	}
	out := make([]byte, l)
	copy(out, buf[:l])
	return out, buf[l:], nil
}

// MarshalAP encodes the ClientHello in the core's internal wire layout.
func (c *ClientHello) MarshalAP() []byte {
	var buf []byte
	buf = append(buf, c.Nonce[:]...)
	buf = putString(buf, c.Platform)
	buf = putString(buf, c.Product)
	buf = putString(buf, c.Version)
	buf = putString(buf, CryptoSuiteShannon)
	buf = putBytes(buf, c.DHPublicKey)
	var known [4]byte
	binary.BigEndian.PutUint32(known[:], c.ServerKeysKnown)
	buf = append(buf, known[:]...)
	buf = append(buf, c.Padding)
	return buf
}

// APResponseMessage is the handshake's single server response, carrying the
// DH public value gs and its RSA signature.
type APResponseMessage struct {
	GS          []byte
	GSSignature []byte
}

// MarshalAP encodes the response (used only by test mock-AP helpers).
func (m *APResponseMessage) MarshalAP() []byte {
	var buf []byte
	buf = putBytes(buf, m.GS)
	buf = putBytes(buf, m.GSSignature)
	return buf
}

// UnmarshalAPResponseMessage decodes an APResponseMessage frame payload.
func UnmarshalAPResponseMessage(buf []byte) (*APResponseMessage, error) {
	gs, rest, err := takeBytes(buf)
	if err != nil {
		return nil, err
	}
	sig, _, err := takeBytes(rest)
	if err != nil {
		return nil, err
	}
	return &APResponseMessage{GS: gs, GSSignature: sig}, nil
}

// ClientResponsePlaintext is the handshake's reply, carrying the HMAC
// challenge that proves the client derived the same key material.
type ClientResponsePlaintext struct {
	HMAC []byte
}

func (c *ClientResponsePlaintext) MarshalAP() []byte {
	return putBytes(nil, c.HMAC)
}

func UnmarshalClientResponsePlaintext(buf []byte) (*ClientResponsePlaintext, error) {
	hmacBytes, _, err := takeBytes(buf)
	if err != nil {
		return nil, err
	}
	return &ClientResponsePlaintext{HMAC: hmacBytes}, nil
}

// LoginCredentials carries either a plaintext password or a previously
// issued reusable auth token, per spec.md §3/§4.6.
type LoginCredentials struct {
	Username string
	AuthData []byte
	AuthType uint32
}

// SystemInfo is sent with every login attempt.
type SystemInfo struct {
	OS         string
	CPU        string
	InfoString string
	DeviceID   string
}

// ClientResponseEncrypted is the LOGIN packet payload.
type ClientResponseEncrypted struct {
	LoginCredentials LoginCredentials
	SystemInfo       SystemInfo
	VersionString    string
}

func (c *ClientResponseEncrypted) MarshalAP() []byte {
	var buf []byte
	buf = putString(buf, c.LoginCredentials.Username)
	buf = putBytes(buf, c.LoginCredentials.AuthData)
	var authType [4]byte
	binary.BigEndian.PutUint32(authType[:], c.LoginCredentials.AuthType)
	buf = append(buf, authType[:]...)
	buf = putString(buf, c.SystemInfo.OS)
	buf = putString(buf, c.SystemInfo.CPU)
	buf = putString(buf, c.SystemInfo.InfoString)
	buf = putString(buf, c.SystemInfo.DeviceID)
	buf = putString(buf, c.VersionString)
	return buf
}

func UnmarshalClientResponseEncrypted(buf []byte) (*ClientResponseEncrypted, error) {
	username, rest, err := takeString(buf)
	if err != nil {
		return nil, err
	}
	authData, rest, err := takeBytes(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("protocol: truncated auth type")
	}
	authType := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	osName, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	cpu, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	infoString, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	deviceID, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	versionString, _, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	return &ClientResponseEncrypted{
		LoginCredentials: LoginCredentials{Username: username, AuthData: authData, AuthType: authType},
		SystemInfo:       SystemInfo{OS: osName, CPU: cpu, InfoString: infoString, DeviceID: deviceID},
		VersionString:    versionString,
	}, nil
}

// APWelcome is returned by the server on a successful login.
type APWelcome struct {
	CanonicalUsername        string
	AccountTypeName           string
	ReusableAuthCredentials   []byte
	ReusableAuthCredentialsType uint32
}

func (w *APWelcome) MarshalAP() []byte {
	var buf []byte
	buf = putString(buf, w.CanonicalUsername)
	buf = putString(buf, w.AccountTypeName)
	buf = putBytes(buf, w.ReusableAuthCredentials)
	var t [4]byte
	binary.BigEndian.PutUint32(t[:], w.ReusableAuthCredentialsType)
	buf = append(buf, t[:]...)
	return buf
}

func UnmarshalAPWelcome(buf []byte) (*APWelcome, error) {
	username, rest, err := takeString(buf)
	if err != nil {
		return nil, err
	}
	accountType, rest, err := takeString(rest)
	if err != nil {
		return nil, err
	}
	creds, rest, err := takeBytes(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("protocol: truncated reusable auth type")
	}
	credType := binary.BigEndian.Uint32(rest[:4])
	return &APWelcome{
		CanonicalUsername:          username,
		AccountTypeName:             accountType,
		ReusableAuthCredentials:     creds,
		ReusableAuthCredentialsType: credType,
	}, nil
}

// APLoginFailed is returned by the server on a failed login.
type APLoginFailed struct {
	ErrorCode string
}

func (f *APLoginFailed) MarshalAP() []byte {
	return putString(nil, f.ErrorCode)
}

func UnmarshalAPLoginFailed(buf []byte) (*APLoginFailed, error) {
	code, _, err := takeString(buf)
	if err != nil {
		return nil, err
	}
	return &APLoginFailed{ErrorCode: code}, nil
}
