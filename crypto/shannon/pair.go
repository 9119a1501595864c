package shannon

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/rivergate-audio/ap-go/apcore"
)

// Pair holds the send and recv Shannon states installed by the handshake,
// plus their independent monotonically increasing nonce counters.
type Pair struct {
	Send      *Shannon
	Recv      *Shannon
	sendNonce uint32
	recvNonce uint32
}

// NewPair installs a Cipher Pair from the handshake's derived send/recv
// keys (spec.md §4.3, KM[20:52] and KM[52:84]).
func NewPair(sendKey, recvKey [32]byte) *Pair {
	return &Pair{
		Send: NewCipher(sendKey),
		Recv: NewCipher(recvKey),
	}
}

// SendNonce returns the number of packets encoded so far on the send side —
// exposed for the invariant-1 testable property (nonce counters equal
// packets transmitted).
func (p *Pair) SendNonce() uint32 { return p.sendNonce }

// RecvNonce returns the number of packets decoded so far on the recv side.
func (p *Pair) RecvNonce() uint32 { return p.recvNonce }

// EncodePacket encrypts cmd||len(payload)||payload and appends the 4-byte
// Shannon MAC, returning the full ciphertext frame ready to write. The send
// nonce is set to the current counter, then incremented.
func (p *Pair) EncodePacket(cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, apcore.New(apcore.KindProtocolError, "payload exceeds u16 length field")
	}
	plain := make([]byte, 3+len(payload))
	plain[0] = cmd
	binary.BigEndian.PutUint16(plain[1:3], uint16(len(payload)))
	copy(plain[3:], payload)

	p.Send.Nonce(p.sendNonce)
	out := make([]byte, len(plain)+4)
	p.Send.Encrypt(out[:len(plain)], plain)
	tag := p.Send.Finish()
	copy(out[len(plain):], tag[:])
	p.sendNonce++
	return out, nil
}

// frameReader is the minimal byte-source EncodePacket's counterpart needs;
// apconn.Conn satisfies it via ReadExact.
type frameReader interface {
	ReadExact(n int) ([]byte, error)
}

// DecodePacket reads and decrypts one cmd||len||payload||mac frame from r,
// verifying the MAC in constant time. The recv nonce is set to the current
// counter, then incremented regardless of success, per spec.md §4.4.
func (p *Pair) DecodePacket(r frameReader) (cmd byte, payload []byte, err error) {
	p.Recv.Nonce(p.recvNonce)
	p.recvNonce++

	head, err := r.ReadExact(3)
	if err != nil {
		return 0, nil, err
	}
	plainHead := make([]byte, 3)
	p.Recv.Decrypt(plainHead, head)
	cmd = plainHead[0]
	length := binary.BigEndian.Uint16(plainHead[1:3])

	var body []byte
	if length > 0 {
		cipherBody, err := r.ReadExact(int(length))
		if err != nil {
			return 0, nil, err
		}
		body = make([]byte, length)
		p.Recv.Decrypt(body, cipherBody)
	}

	tagBytes, err := r.ReadExact(4)
	if err != nil {
		return 0, nil, err
	}
	gotTag := p.Recv.Finish()
	if subtle.ConstantTimeCompare(gotTag[:], tagBytes) != 1 {
		return 0, nil, apcore.New(apcore.KindBadMac, "packet MAC mismatch")
	}
	return cmd, body, nil
}
