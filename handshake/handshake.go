// Package handshake drives the AP handshake: ClientHello, the server's
// APResponseMessage, signature verification, the response challenge, and the
// post-response drain for a late HandshakeRejected frame — installing a
// shannon.Pair on success. Grounded on the teacher's link.Handshake six-step
// state machine (github.com/cvsouth/tor-go/link), generalized from Tor's
// cleartext VERSIONS/CERTS/NETINFO exchange to the AP's DH handshake.
package handshake

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/rivergate-audio/ap-go/apconn"
	"github.com/rivergate-audio/ap-go/apcore"
	"github.com/rivergate-audio/ap-go/crypto/dhkey"
	"github.com/rivergate-audio/ap-go/crypto/shannon"
	"github.com/rivergate-audio/ap-go/protocol"
)

// helloMagic begins the ClientHello frame (spec.md §6).
var helloMagic = [2]byte{0x00, 0x04}

const helloPadding = 0x1e

// BuildInfo identifies this client in the ClientHello, analogous to the
// teacher's NETINFO client identification but carried in ClientHello instead.
type BuildInfo struct {
	Platform string
	Product  string
	Version  string
}

// Result is what a successful handshake hands back to the login engine.
type Result struct {
	Cipher      *shannon.Pair
	Accumulator []byte
}

// Run performs the full handshake over conn and returns the installed cipher
// pair. A non-nil error always means the connection must be abandoned.
func Run(ctx context.Context, conn *apconn.Conn, build BuildInfo, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keypair, err := dhkey.Generate()
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "generate DH keypair", err)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "generate client nonce", err)
	}

	hello := &protocol.ClientHello{
		Nonce:           nonce,
		Platform:        build.Platform,
		Product:         build.Product,
		Version:         build.Version,
		DHPublicKey:     keypair.Public(),
		ServerKeysKnown: 1,
		Padding:         helloPadding,
	}
	helloBody := hello.MarshalAP()

	var accumulator []byte

	// Step 1: send 00 04 || u32be(total_len) || ClientHello.
	totalLen := uint32(2 + 4 + len(helloBody))
	if err := conn.Write(helloMagic[:]); err != nil {
		return nil, err
	}
	if err := conn.WriteUint32BE(totalLen); err != nil {
		return nil, err
	}
	if err := conn.Write(helloBody); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	accumulator = append(accumulator, helloMagic[:]...)
	accumulator = appendU32BE(accumulator, totalLen)
	accumulator = append(accumulator, helloBody...)

	logger.Debug("sent ClientHello", "dh_public_len", len(keypair.Public()))

	// Step 2: read u32be length L, then L-4 bytes of APResponseMessage.
	respLen, err := conn.ReadUint32BE()
	if err != nil {
		return nil, err
	}
	if respLen < 4 {
		return nil, apcore.New(apcore.KindProtocolError, "APResponseMessage length too small")
	}
	respBody, err := conn.ReadExact(int(respLen - 4))
	if err != nil {
		return nil, err
	}
	accumulator = appendU32BE(accumulator, respLen)
	accumulator = append(accumulator, respBody...)

	resp, err := protocol.UnmarshalAPResponseMessage(respBody)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindProtocolError, "parse APResponseMessage", err)
	}

	// Step 3: verify signature, compute response challenge.
	if err := dhkey.VerifyServerSignature(resp.GS, resp.GSSignature); err != nil {
		return nil, err
	}
	km, err := dhkey.Derive(keypair, resp.GS, accumulator)
	if err != nil {
		return nil, err
	}
	challenge := dhkey.ResponseChallenge(km.ChallengeKey, accumulator)

	// Step 4: send u32be(4+len(resp)) || ClientResponsePlaintext.
	respPlain := &protocol.ClientResponsePlaintext{HMAC: challenge}
	respPlainBody := respPlain.MarshalAP()
	if err := conn.WriteUint32BE(uint32(4 + len(respPlainBody))); err != nil {
		return nil, err
	}
	if err := conn.Write(respPlainBody); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}

	// Step 5: non-blocking drain for a late error frame.
	if err := conn.SetTimeout(time.Second); err != nil {
		return nil, err
	}
	errLen, drainErr := conn.ReadUint32BE()
	if drainErr == nil {
		// A length prefix arrived: the server rejected the handshake.
		var errBody []byte
		if errLen >= 4 {
			errBody, _ = conn.ReadExact(int(errLen - 4))
		}
		_ = conn.SetTimeout(0)
		logger.Warn("handshake rejected by server", "len", errLen)
		return nil, apcore.WithCode(apcore.KindHandshakeRejected, decodeRejectReason(errBody), "server sent a post-response error frame")
	}
	if err := conn.SetTimeout(0); err != nil {
		return nil, err
	}

	logger.Info("handshake complete")

	cipher := shannon.NewPair(km.SendKey, km.RecvKey)
	return &Result{Cipher: cipher, Accumulator: accumulator}, nil
}

func appendU32BE(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func decodeRejectReason(body []byte) string {
	if len(body) == 0 {
		return "unknown"
	}
	if msg, err := protocol.UnmarshalAPLoginFailed(body); err == nil {
		return msg.ErrorCode
	}
	return "unknown"
}
