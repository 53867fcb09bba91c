package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// SetFinalizerLeakCheck reports a native handle that was garbage collected
// while still holding a native resource. It never releases the handle
// itself: finalizers run on an arbitrary thread, while native contexts
// are bound to their owner thread.
func SetFinalizerLeakCheck[T interface{ IsReleased() bool }](
	ctx context.Context,
	obj T,
) {
	runtime.SetFinalizer(obj, func(obj T) {
		if obj.IsReleased() {
			return
		}
		logger.Errorf(ctx, "%T was garbage collected without being released; the native handle leaked", obj)
	})
}
