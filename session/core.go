package session

import (
	"github.com/rivergate-audio/ap-go/mercury"
	"github.com/rivergate-audio/ap-go/protocol"
	"github.com/rivergate-audio/ap-go/token"
)

// Core is the value released through the auth barrier once login succeeds:
// everything a caller needs to talk to the authenticated session's
// sub-subsystems. Grounded on spec.md §9's "one-shot readiness gate plus a
// Result<SessionCore, AuthError> cell" guidance.
type Core struct {
	Welcome *protocol.APWelcome
	Mercury mercury.Client
	Tokens  *token.Provider
}
