package encodethread

import (
	"sync/atomic"

	"github.com/xaionaro-go/gpuencoder"
)

type statistics struct {
	CommandsReceived atomic.Uint64
	FramesSent       atomic.Uint64
	PacketsEmitted   atomic.Uint64
	KeyFramesEmitted atomic.Uint64
	BytesEmitted     atomic.Uint64
	PacketsDiscarded atomic.Uint64
	Errors           atomic.Uint64
	Inits            atomic.Uint64
}

func (stats *statistics) Convert() gpuencoder.Stats {
	return gpuencoder.Stats{
		CommandsReceived: stats.CommandsReceived.Load(),
		FramesSent:       stats.FramesSent.Load(),
		PacketsEmitted:   stats.PacketsEmitted.Load(),
		KeyFramesEmitted: stats.KeyFramesEmitted.Load(),
		BytesEmitted:     stats.BytesEmitted.Load(),
		PacketsDiscarded: stats.PacketsDiscarded.Load(),
		Errors:           stats.Errors.Load(),
		Inits:            stats.Inits.Load(),
	}
}
