package protocol

import (
	"bytes"
	"testing"
)

func TestAPResponseMessageRoundTrip(t *testing.T) {
	in := &APResponseMessage{GS: []byte{1, 2, 3}, GSSignature: bytes.Repeat([]byte{0xAB}, 128)}
	out, err := UnmarshalAPResponseMessage(in.MarshalAP())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(in.GS, out.GS) || !bytes.Equal(in.GSSignature, out.GSSignature) {
		t.Fatalf("round trip mismatch")
	}
}

func TestClientResponsePlaintextRoundTrip(t *testing.T) {
	in := &ClientResponsePlaintext{HMAC: bytes.Repeat([]byte{0x11}, 20)}
	out, err := UnmarshalClientResponsePlaintext(in.MarshalAP())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(in.HMAC, out.HMAC) {
		t.Fatalf("HMAC mismatch")
	}
}

func TestClientResponseEncryptedRoundTrip(t *testing.T) {
	in := &ClientResponseEncrypted{
		LoginCredentials: LoginCredentials{Username: "alice", AuthData: []byte("token-bytes"), AuthType: 1},
		SystemInfo:       SystemInfo{OS: "UNKNOWN", CPU: "UNKNOWN", InfoString: "ap-go 0.1", DeviceID: "aabbccddeeff00112233445566778899aabbccdd"},
		VersionString:    "ap-go-0.1.0",
	}
	out, err := UnmarshalClientResponseEncrypted(in.MarshalAP())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.LoginCredentials.Username != in.LoginCredentials.Username ||
		!bytes.Equal(out.LoginCredentials.AuthData, in.LoginCredentials.AuthData) ||
		out.LoginCredentials.AuthType != in.LoginCredentials.AuthType ||
		out.SystemInfo != in.SystemInfo ||
		out.VersionString != in.VersionString {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", out, in)
	}
}

func TestAPWelcomeRoundTrip(t *testing.T) {
	in := &APWelcome{
		CanonicalUsername:          "alice",
		AccountTypeName:             "premium",
		ReusableAuthCredentials:     []byte("opaque-token"),
		ReusableAuthCredentialsType: 1,
	}
	out, err := UnmarshalAPWelcome(in.MarshalAP())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.CanonicalUsername != in.CanonicalUsername ||
		out.AccountTypeName != in.AccountTypeName ||
		!bytes.Equal(out.ReusableAuthCredentials, in.ReusableAuthCredentials) ||
		out.ReusableAuthCredentialsType != in.ReusableAuthCredentialsType {
		t.Fatalf("round trip mismatch")
	}
}

func TestAPLoginFailedRoundTrip(t *testing.T) {
	in := &APLoginFailed{ErrorCode: "BAD_CREDENTIALS"}
	out, err := UnmarshalAPLoginFailed(in.MarshalAP())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch")
	}
}
