// Package mercury defines the contract between the session core and the
// Mercury request/response and subscription multiplexer. Mercury's own wire
// protocol and URI-routing implementation are out of this core's scope
// (spec.md §1); this package exists so session and token have something
// concrete to depend on. Grounded on the teacher's stream.Stream
// ID-multiplexed Read/Write/Close triple (github.com/cvsouth/tor-go/stream),
// generalized from "per-stream flow-controlled byte pipe" to "per-URI
// request/response and subscription multiplexer", because Mercury
// multiplexes by URI sequence, not by byte stream.
package mercury

import "context"

// RawRequest is one outbound Mercury request.
type RawRequest struct {
	Method  string
	URI     string
	Headers map[string]string
	Body    []byte
}

// Response is one Mercury response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Listener receives Mercury push events for URIs it has subscribed to.
type Listener interface {
	OnEvent(uri string, payload []byte)
}

// Client is the narrow capability the session core and its sub-subsystems
// (in particular token.Provider) need from Mercury.
type Client interface {
	// SendSync issues req and blocks for the matching response.
	SendSync(ctx context.Context, req RawRequest) (Response, error)

	// SendSyncJSON is SendSync for the common case of a GET against uri
	// whose response body is JSON, decoded into out.
	SendSyncJSON(ctx context.Context, uri string, out any) error

	// Dispatch hands the receiver loop's MERCURY_SUB/UNSUB/EVENT/REQ packets
	// to the Mercury implementation for demultiplexing.
	Dispatch(cmd byte, payload []byte)

	// Subscribe registers listener for push events on uri.
	Subscribe(uri string, listener Listener) error
}
