package encodethread

import (
	"context"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
)

// session is what an encode thread needs from an encoder; it is
// implemented by *encoder.Encoder.
type session interface {
	PixelFormat() astiav.PixelFormat
	CreateFrame(ctx context.Context) (*encoder.Frame, error)
	SendFrame(ctx context.Context, frame *encoder.Frame) error
	SendEOF(ctx context.Context) error
	ReceivePacket(ctx context.Context) (*gpuencoder.Packet, error)
	Close() error
}

var _ session = (*encoder.Encoder)(nil)

type sessionFactory func(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
) (session, error)
