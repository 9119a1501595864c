package mercury

import "context"

// NoOp is a Client that answers every call with a not-implemented error and
// ignores every push event. It exists so session.Session is constructible
// and testable without shipping a real Mercury implementation, which is out
// of this core's scope (spec.md §1). Callers that need hm:// functionality
// supply their own Client via session.Config.
type NoOp struct{}

func (NoOp) SendSync(ctx context.Context, req RawRequest) (Response, error) {
	return Response{}, errNotImplemented
}

func (NoOp) SendSyncJSON(ctx context.Context, uri string, out any) error {
	return errNotImplemented
}

func (NoOp) Dispatch(cmd byte, payload []byte) {}

func (NoOp) Subscribe(uri string, listener Listener) error {
	return errNotImplemented
}

type notImplementedError struct{}

func (notImplementedError) Error() string { return "mercury: no client configured" }

var errNotImplemented = notImplementedError{}
