// Package dhkey implements the AP handshake's Diffie-Hellman key agreement:
// a fixed 768-bit MODP group, server RSA signature verification, and the
// five-round HMAC-SHA1 key derivation that turns a shared secret plus the
// handshake accumulator into cipher keys.
package dhkey

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"math/big"

	"github.com/rivergate-audio/ap-go/apcore"
)

// primeHex is IETF MODP Group 1 (RFC 2409 §6.1), the 768-bit "Oakley Group 1"
// prime the AP handshake is fixed to.
const primeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"

var (
	dhPrime *big.Int
	dhGen   = big.NewInt(2)
)

func init() {
	p, ok := new(big.Int).SetString(primeHex, 16)
	if !ok {
		panic("dhkey: invalid MODP group 1 prime")
	}
	dhPrime = p

	modulus, err := hex.DecodeString(defaultServerKeyHex)
	if err != nil {
		panic("dhkey: invalid hard-coded server key: " + err.Error())
	}
	SetServerPublicKey(modulus)
}

// privateBits is the bit width of the private scalar x, per the AP handshake
// wire format (not the full 768-bit group order).
const privateBits = 95

// Keypair is one connection attempt's ephemeral DH keypair.
type Keypair struct {
	private *big.Int
	public  *big.Int
}

// Generate draws a private scalar from [0, 2^95) and computes g^x mod p.
func Generate() (*Keypair, error) {
	max := new(big.Int).Lsh(big.NewInt(1), privateBits)
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "generate DH private key", err)
	}
	pub := new(big.Int).Exp(dhGen, x, dhPrime)
	return &Keypair{private: x, public: pub}, nil
}

// Public returns the minimal unsigned big-endian encoding of g^x mod p.
func (k *Keypair) Public() []byte {
	return k.public.Bytes()
}

// SharedSecret computes gs^x mod p for the server's public value gs,
// minimal-big-endian encoded to match the peer's serialization of the same
// value.
func (k *Keypair) SharedSecret(gs []byte) []byte {
	gsInt := new(big.Int).SetBytes(gs)
	shared := new(big.Int).Exp(gsInt, k.private, dhPrime)
	return shared.Bytes()
}

// defaultServerKeyHex is the access point's long-term RSA public modulus,
// compiled in so VerifyServerSignature works out of the box. Callers that
// need to point at a different fleet (a staging AP with its own signing
// key) override it via SetServerPublicKey or Config.ServerPublicKeyHex
// (see DESIGN.md).
const defaultServerKeyHex = "ace0460bffc230aff46bfec3bfbf863da191c6cc336c93a14fb3b01612acac6af180e7f614d9429dbe2e346643e362d2327a1a0d923baedd1402b18155056104d52c96a44c1ecc024ad4b20c001f17edc22fc43521c8f0cbaed2add72b0f9db3c5321a2afe59f35a0dac68f1fa621efb2c8d0cb7392d9247e3d7351a6dbd24c2ae255b88ffab73298a0bcccd0c58673189e8bd3480784a5fc96b899d956bfc86d74f33a6781796c9c32d0d32a5abcd0527e2f710a39613c42f99c027bfed049c3c275804b6b219f9c12f02e94863eca1b642a09d4825f8b39dd0e86af9484da1c2ba863042ea9db3086c190e48b39d66eb0006a25aeea11b13873cd719e655bd"

// serverPublicKey holds the AP's long-term RSA signing key (N, e=65537),
// installed from defaultServerKeyHex at package init and replaceable via
// SetServerPublicKey.
var serverPublicKey *rsa.PublicKey

// SetServerPublicKey installs the RSA modulus used to verify the server's
// handshake signature. Exponent is fixed at 65537.
func SetServerPublicKey(modulus []byte) {
	serverPublicKey = &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: 65537,
	}
}

// VerifyServerSignature checks PKCS#1 v1.5 RSA-SHA1(gs, signature) against
// the installed server public key. A mismatch, or a call before
// SetServerPublicKey, is fatal for the connection.
func VerifyServerSignature(gs, signature []byte) error {
	if serverPublicKey == nil {
		return apcore.New(apcore.KindBadSignature, "server public key not configured")
	}
	digest := sha1.Sum(gs)
	if err := rsa.VerifyPKCS1v15(serverPublicKey, crypto.SHA1, digest[:], signature); err != nil {
		return apcore.Wrap(apcore.KindBadSignature, "gs signature verification failed", err)
	}
	return nil
}

// KeyMaterial is the derived 100-byte key block, sliced into its three
// consumers per the AP handshake wire format.
type KeyMaterial struct {
	// ChallengeKey signs the client's response challenge (HMAC-SHA1 key).
	ChallengeKey [20]byte
	// SendKey seeds the client->server Shannon cipher.
	SendKey [32]byte
	// RecvKey seeds the server->client Shannon cipher.
	RecvKey [32]byte
}

// Derive computes shared = gs^x mod p, then runs five HMAC-SHA1 rounds over
// accumulator||i (i=1..5) keyed by shared, concatenating the 20-byte outputs
// into a 100-byte key material block before slicing it into ChallengeKey,
// SendKey, and RecvKey.
func Derive(keypair *Keypair, gs, accumulator []byte) (*KeyMaterial, error) {
	shared := keypair.SharedSecret(gs)

	var km [100]byte
	for i := 1; i <= 5; i++ {
		mac := hmac.New(sha1.New, shared)
		mac.Write(accumulator)
		mac.Write([]byte{byte(i)})
		sum := mac.Sum(nil)
		copy(km[(i-1)*20:i*20], sum)
	}

	out := &KeyMaterial{}
	copy(out.ChallengeKey[:], km[0:20])
	copy(out.SendKey[:], km[20:52])
	copy(out.RecvKey[:], km[52:84])
	return out, nil
}

// ResponseChallenge computes HMAC-SHA1(challengeKey, accumulator), the value
// the client sends back to prove it derived the same key material.
func ResponseChallenge(challengeKey [20]byte, accumulator []byte) []byte {
	mac := hmac.New(sha1.New, challengeKey[:])
	mac.Write(accumulator)
	return mac.Sum(nil)
}
