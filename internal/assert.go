package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics (through the logger) if a call-order invariant is violated.
// These are programming errors, never environmental conditions.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}

	msg := "assertion failed"
	if len(extraArgs) > 0 {
		msg += ": " + fmt.Sprint(extraArgs...)
	}
	logger.Panic(ctx, msg)
	// the logger in ctx might be configured not to panic
	panic(msg)
}
