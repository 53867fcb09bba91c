package gpuencoder

import (
	"context"
	"io"
)

// EncodeThread is a dedicated OS thread owning one encoder session.
//
// Commands and Outputs are depth-1 channels: the producer blocks on
// sending a command until the previous one was consumed. Closing the
// command channel (via Close) is the only way to stop the thread;
// Outputs is closed when the thread exits.
type EncodeThread interface {
	io.Closer

	Commands() chan<- Command
	Outputs() <-chan Output
	Wait(context.Context) error
	Stats() *Stats
}

type Factory interface {
	NewEncodeThread(context.Context, EncoderConfig) (EncodeThread, error)
}

type Stats struct {
	CommandsReceived uint64
	FramesSent       uint64
	PacketsEmitted   uint64
	KeyFramesEmitted uint64
	BytesEmitted     uint64
	PacketsDiscarded uint64
	Errors           uint64
	Inits            uint64
}
