// Package assert provides a logging assertion helper shared by the
// Component and Decoder state machines.
package assert

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// True panics (via the logger, so it is captured the same way as any other
// fatal log line) if mustBeTrue is false. It exists to make internal
// invariant violations loud during development instead of silently
// corrupting state.
func True(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	logger.Panic(ctx, "assertion failed", extraArgs)
}
