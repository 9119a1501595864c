package session

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rivergate-audio/ap-go/apconn"
	"github.com/rivergate-audio/ap-go/apcore"
	"github.com/rivergate-audio/ap-go/apresolve"
	"github.com/rivergate-audio/ap-go/crypto/dhkey"
	"github.com/rivergate-audio/ap-go/crypto/shannon"
	"github.com/rivergate-audio/ap-go/handshake"
	"github.com/rivergate-audio/ap-go/protocol"
)

// mockAP plays the server side of the full handshake+login exchange over a
// real TCP listener. It reuses this module's own dhkey/shannon packages to
// derive the same key material the client does — the handshake and dhkey
// packages' own tests already cover the cryptographic primitives in
// isolation; this mock exists to drive session-level behavior (login,
// receiver dispatch, reconnection), not to re-validate the DH math.
type mockAP struct {
	ln        net.Listener
	serverKey *rsa.PrivateKey
	welcome   *protocol.APWelcome
}

func newMockAP(t *testing.T) *mockAP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serverKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	dhkey.SetServerPublicKey(serverKey.PublicKey.N.Bytes())
	return &mockAP{
		ln:        ln,
		serverKey: serverKey,
		welcome: &protocol.APWelcome{
			CanonicalUsername:          "alice",
			AccountTypeName:            "premium",
			ReusableAuthCredentials:    []byte("reusable-token"),
			ReusableAuthCredentialsType: 2,
		},
	}
}

func (m *mockAP) addr() string { return m.ln.Addr().String() }

// serve accepts one connection, completes the handshake and login, then
// invokes script (if non-nil) with the authenticated server-side cipher
// pair for further scripted interaction (PING, COUNTRY_CODE, ...).
func (m *mockAP) serve(t *testing.T, script func(conn *apconn.Conn, cipher *shannon.Pair)) {
	t.Helper()
	nc, err := m.ln.Accept()
	if err != nil {
		t.Errorf("mock AP accept: %v", err)
		return
	}
	conn := apconn.New(nc)
	defer conn.Close()

	magic, err := conn.ReadExact(2)
	if err != nil {
		t.Errorf("mock AP: read magic: %v", err)
		return
	}
	totalLen, err := conn.ReadUint32BE()
	if err != nil {
		t.Errorf("mock AP: read hello length: %v", err)
		return
	}
	helloBody, err := conn.ReadExact(int(totalLen) - 2 - 4)
	if err != nil {
		t.Errorf("mock AP: read hello body: %v", err)
		return
	}
	var accumulator []byte
	accumulator = append(accumulator, magic...)
	accumulator = appendU32(accumulator, totalLen)
	accumulator = append(accumulator, helloBody...)

	clientPub := extractDHKey(t, helloBody)

	serverKeypair, err := dhkey.Generate()
	if err != nil {
		t.Errorf("mock AP: server DH key: %v", err)
		return
	}
	gs := serverKeypair.Public()
	digest := sha1.Sum(gs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.serverKey, crypto.SHA1, digest[:])
	if err != nil {
		t.Errorf("mock AP: sign: %v", err)
		return
	}

	resp := &protocol.APResponseMessage{GS: gs, GSSignature: sig}
	respBody := resp.MarshalAP()
	respLen := uint32(4 + len(respBody))
	if err := conn.WriteUint32BE(respLen); err != nil {
		t.Errorf("mock AP: write resp len: %v", err)
		return
	}
	if err := conn.Write(respBody); err != nil {
		t.Errorf("mock AP: write resp body: %v", err)
		return
	}
	if err := conn.Flush(); err != nil {
		t.Errorf("mock AP: flush resp: %v", err)
		return
	}
	accumulator = appendU32(accumulator, respLen)
	accumulator = append(accumulator, respBody...)

	km, err := dhkey.Derive(serverKeypair, clientPub, accumulator)
	if err != nil {
		t.Errorf("mock AP: derive: %v", err)
		return
	}

	crLen, err := conn.ReadUint32BE()
	if err != nil {
		t.Errorf("mock AP: read client response len: %v", err)
		return
	}
	if _, err := conn.ReadExact(int(crLen) - 4); err != nil {
		t.Errorf("mock AP: read client response body: %v", err)
		return
	}

	// Let the client's 1-second drain time out (success path): stay
	// silent, then proceed straight to the encrypted login exchange.
	cipher := shannon.NewPair(km.RecvKey, km.SendKey)

	loginCmd, loginPayload, err := cipher.DecodePacket(conn)
	if err != nil {
		t.Errorf("mock AP: decode LOGIN: %v", err)
		return
	}
	if loginCmd != cmdLogin {
		t.Errorf("mock AP: expected LOGIN (0x%02x), got 0x%02x", cmdLogin, loginCmd)
		return
	}
	if _, err := protocol.UnmarshalClientResponseEncrypted(loginPayload); err != nil {
		t.Errorf("mock AP: parse LOGIN payload: %v", err)
		return
	}

	welcomeFrame, err := cipher.EncodePacket(cmdAPWelcome, m.welcome.MarshalAP())
	if err != nil {
		t.Errorf("mock AP: encode AP_WELCOME: %v", err)
		return
	}
	if err := conn.Write(welcomeFrame); err != nil {
		t.Errorf("mock AP: write AP_WELCOME: %v", err)
		return
	}
	if err := conn.Flush(); err != nil {
		t.Errorf("mock AP: flush AP_WELCOME: %v", err)
		return
	}

	// Discard the client's post-welcome UNKNOWN_0x0F and PREFERRED_LOCALE.
	for i := 0; i < 2; i++ {
		if _, _, err := cipher.DecodePacket(conn); err != nil {
			t.Errorf("mock AP: discard post-welcome packet %d: %v", i, err)
			return
		}
	}

	if script != nil {
		script(conn, cipher)
	}
}

func extractDHKey(t *testing.T, body []byte) []byte {
	t.Helper()
	pos := 16
	for i := 0; i < 4; i++ {
		l := int(binary.BigEndian.Uint16(body[pos : pos+2]))
		pos += 2 + l
	}
	l := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	return body[pos : pos+l]
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// resolverFor builds an apresolve.Resolver whose BaseURL is a test HTTP
// server that always answers with addr as the sole accesspoint.
func resolverFor(t *testing.T, addr string) *apresolve.Resolver {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]string{"accesspoint": {addr}})
	}))
	t.Cleanup(ts.Close)
	return &apresolve.Resolver{BaseURL: ts.URL, HTTPClient: ts.Client()}
}

func baseConfig(t *testing.T, addr string) Config {
	return Config{
		Username: "alice",
		Password: "hunter2",
		BuildInfo: handshake.BuildInfo{Platform: "go_linux_x86_64", Product: "ap-go", Version: "0.1.0"},
		Resolver: resolverFor(t, addr),
	}
}

func TestSessionAuthenticatesAndReleasesBarrier(t *testing.T) {
	ap := newMockAP(t)
	go ap.serve(t, nil)

	sess, err := New(context.Background(), baseConfig(t, ap.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	username, err := sess.Welcome(ctx)
	if err != nil {
		t.Fatalf("Welcome: %v", err)
	}
	if username != "alice" {
		t.Fatalf("got username %q, want alice", username)
	}

	if _, err := sess.Tokens(ctx); err != nil {
		t.Fatalf("Tokens: %v", err)
	}
}

func TestSessionRespondsToPingWithPong(t *testing.T) {
	ap := newMockAP(t)
	pongReceived := make(chan []byte, 1)

	go ap.serve(t, func(conn *apconn.Conn, cipher *shannon.Pair) {
		pingPayload := []byte("keepalive")
		frame, err := cipher.EncodePacket(cmdPing, pingPayload)
		if err != nil {
			t.Errorf("mock AP: encode PING: %v", err)
			return
		}
		if err := conn.Write(frame); err != nil {
			t.Errorf("mock AP: write PING: %v", err)
			return
		}
		if err := conn.Flush(); err != nil {
			t.Errorf("mock AP: flush PING: %v", err)
			return
		}

		cmd, payload, err := cipher.DecodePacket(conn)
		if err != nil {
			t.Errorf("mock AP: decode PONG: %v", err)
			return
		}
		if cmd != cmdPong {
			t.Errorf("expected PONG (0x%02x), got 0x%02x", cmdPong, cmd)
			return
		}
		pongReceived <- payload
	})

	sess, err := New(context.Background(), baseConfig(t, ap.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sess.Close()

	select {
	case payload := <-pongReceived:
		if string(payload) != "keepalive" {
			t.Fatalf("got PONG payload %q, want %q", payload, "keepalive")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for PONG")
	}
}

func TestSessionStoresCountryCode(t *testing.T) {
	ap := newMockAP(t)
	go ap.serve(t, func(conn *apconn.Conn, cipher *shannon.Pair) {
		frame, err := cipher.EncodePacket(cmdCountryCode, []byte("SE"))
		if err != nil {
			t.Errorf("mock AP: encode COUNTRY_CODE: %v", err)
			return
		}
		_ = conn.Write(frame)
		_ = conn.Flush()
		time.Sleep(200 * time.Millisecond)
	})

	sess, err := New(context.Background(), baseConfig(t, ap.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Country() == "SE" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected country SE, got %q", sess.Country())
}

func TestSessionCloseIsIdempotentAndAbortsBarrier(t *testing.T) {
	ap := newMockAP(t)
	go ap.serve(t, nil)

	sess, err := New(context.Background(), baseConfig(t, ap.addr()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sess.Welcome(ctx); !errors.Is(err, apcore.ErrSessionClosed) {
		t.Fatalf("expected SessionClosed from the barrier after Close, got: %v", err)
	}
}
