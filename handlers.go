package arcgraph

import (
	"context"

	"github.com/arcgraph/arcgraph-go/db"
)

// ack turns one response into a blocking wait, for the transaction control
// messages whose outcome the session needs before proceeding.
type ack struct {
	done chan struct{}
	meta map[string]any
	err  error
}

func newAck() *ack {
	return &ack{done: make(chan struct{})}
}

func (a *ack) OnSuccess(meta map[string]any) {
	a.meta = meta
	close(a.done)
}

func (a *ack) OnFailure(err error) {
	a.err = err
	close(a.done)
}

func (a *ack) OnRecord([]any) {}

func (a *ack) wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-a.done:
		return a.meta, a.err
	case <-ctx.Done():
		return nil, &db.ServiceUnavailable{Message: "awaiting server response", Cause: ctx.Err()}
	}
}
