package types

import (
	"context"

	"github.com/xaionaro-go/v4l2codec2/status"
)

// Listener is the callback surface a Component reports finished work and
// fatal errors to, mirroring a weak-pointer-style listener. It is
// registered via Component.SetListener, and the Component calls it
// synchronously on its own task sequence.
type Listener interface {
	OnWorkDone(ctx context.Context, done []*Work)
	OnError(ctx context.Context, code status.Code)
}
