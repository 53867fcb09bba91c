package encodethread

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder"
	"github.com/xaionaro-go/gpuencoder/cuda"
	"github.com/xaionaro-go/gpuencoder/cuda/cudatest"
	"github.com/xaionaro-go/gpuencoder/libav/encoder"
)

type sentFrame struct {
	PTS           int64
	ForceKeyframe bool
	Pixels        []uint32
}

// fakeCodec creates fakeSessions that delay their output by Delay frames
// and emit PacketsPerFrame packets per frame; the first packet
// of a session is always a keyframe.
type fakeCodec struct {
	locker sync.Mutex

	Driver          *cudatest.Driver
	PixelFormat     astiav.PixelFormat
	Delay           int
	PacketsPerFrame int
	FailInit        error
	FailSendAt      int
	FailReceive     error

	Sessions []*fakeSession
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		PixelFormat:     astiav.PixelFormatYuv420P,
		PacketsPerFrame: 1,
		FailSendAt:      -1,
	}
}

func (c *fakeCodec) newSession(
	ctx context.Context,
	cfg gpuencoder.EncoderConfig,
	size gpuencoder.Size,
) (session, error) {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.FailInit != nil {
		return nil, c.FailInit
	}
	s := &fakeSession{codec: c, size: size}
	c.Sessions = append(c.Sessions, s)
	return s, nil
}

func (c *fakeCodec) Session(idx int) *fakeSession {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.Sessions[idx]
}

func (c *fakeCodec) SessionCount() int {
	c.locker.Lock()
	defer c.locker.Unlock()
	return len(c.Sessions)
}

func (c *fakeCodec) failSendAt() int {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.FailSendAt
}

func (c *fakeCodec) failReceive() error {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.FailReceive
}

// SetFailures changes the failure injection of a running codec.
func (c *fakeCodec) SetFailures(failSendAt int, failReceive error) {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.FailSendAt = failSendAt
	c.FailReceive = failReceive
}

type fakeSession struct {
	codec *fakeCodec
	size  gpuencoder.Size

	locker   sync.Mutex
	sent     []sentFrame
	queued   []sentFrame
	pending  []*gpuencoder.Packet
	emitted  int
	frames   []cuda.DevicePtr
	isEOF    bool
	isClosed bool
}

func (s *fakeSession) CreateFrame(ctx context.Context) (*encoder.Frame, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	frame := &encoder.Frame{
		Size:   s.size,
		Format: s.codec.PixelFormat,
		Pitch:  int(s.size.Width) * 4,
	}
	if drv := s.codec.Driver; drv != nil {
		frame.DevicePtr = drv.Alloc(s.size.Linear() * 4)
		s.frames = append(s.frames, frame.DevicePtr)
	}
	return frame, nil
}

func (s *fakeSession) PixelFormat() astiav.PixelFormat {
	return s.codec.PixelFormat
}

func (s *fakeSession) SendFrame(ctx context.Context, frame *encoder.Frame) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.isEOF {
		return astiav.ErrEof
	}
	if s.codec.failSendAt() == len(s.sent) {
		return fmt.Errorf("the device is lost")
	}
	if frame.Size != s.size {
		return fmt.Errorf("unexpected frame size %s", frame.Size)
	}
	if frame.Format != s.codec.PixelFormat {
		return fmt.Errorf("unexpected frame format %s", frame.Format)
	}

	sent := sentFrame{PTS: frame.PTS, ForceKeyframe: frame.ForceKeyframe}
	if drv := s.codec.Driver; drv != nil {
		pixels, err := drv.ReadUint32s(frame.DevicePtr, s.size.Linear())
		if err != nil {
			return err
		}
		sent.Pixels = pixels
	}
	s.sent = append(s.sent, sent)
	s.queued = append(s.queued, sent)
	if len(s.queued) > s.codec.Delay {
		s.popQueued()
	}
	return nil
}

func (s *fakeSession) popQueued() {
	frame := s.queued[0]
	s.queued = s.queued[1:]
	for i := 0; i < s.codec.PacketsPerFrame; i++ {
		s.pending = append(s.pending, &gpuencoder.Packet{
			Data:       []byte{byte(frame.PTS), byte(i)},
			PTS:        frame.PTS,
			DTS:        frame.PTS,
			IsKeyFrame: i == 0 && (frame.ForceKeyframe || s.emitted == 0),
		})
		s.emitted++
	}
}

func (s *fakeSession) SendEOF(ctx context.Context) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	for len(s.queued) > 0 {
		s.popQueued()
	}
	s.isEOF = true
	return nil
}

func (s *fakeSession) ReceivePacket(ctx context.Context) (*gpuencoder.Packet, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	if err := s.codec.failReceive(); err != nil {
		return nil, err
	}
	if len(s.pending) > 0 {
		pkt := s.pending[0]
		s.pending = s.pending[1:]
		return pkt, nil
	}
	if s.isEOF {
		return nil, fmt.Errorf("drained: %w", astiav.ErrEof)
	}
	return nil, nil
}

func (s *fakeSession) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.isClosed {
		return fmt.Errorf("closed twice")
	}
	s.isClosed = true
	if drv := s.codec.Driver; drv != nil {
		for _, ptr := range s.frames {
			_ = drv.MemFree(ptr)
		}
	}
	return nil
}

func (s *fakeSession) Sent() []sentFrame {
	s.locker.Lock()
	defer s.locker.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func (s *fakeSession) IsClosed() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.isClosed
}

// outputCollector reads the outputs of a thread until they are closed.
type outputCollector struct {
	outputs <-chan gpuencoder.Output
	next    chan gpuencoder.Output
}

func collect(th gpuencoder.EncodeThread) *outputCollector {
	c := &outputCollector{
		outputs: th.Outputs(),
		next:    make(chan gpuencoder.Output, 1024),
	}
	go func() {
		defer close(c.next)
		for out := range c.outputs {
			c.next <- out
		}
	}()
	return c
}

func (c *outputCollector) Next(t *testing.T) gpuencoder.Output {
	select {
	case out, ok := <-c.next:
		require.True(t, ok, "the outputs are closed")
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for an output")
		return nil
	}
}

func (c *outputCollector) NextPacket(t *testing.T) gpuencoder.Packet {
	out := c.Next(t)
	frame, ok := out.(gpuencoder.OutputFrame)
	require.True(t, ok, "expected a packet, got %#+v", out)
	return frame.Packet
}

func (c *outputCollector) NextError(t *testing.T) error {
	out := c.Next(t)
	outErr, ok := out.(gpuencoder.OutputError)
	require.True(t, ok, "expected an error, got %#+v", out)
	return outErr
}

// Rest returns everything left after the outputs are closed.
func (c *outputCollector) Rest(t *testing.T) []gpuencoder.Output {
	var result []gpuencoder.Output
	for {
		select {
		case out, ok := <-c.next:
			if !ok {
				return result
			}
			result = append(result, out)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for the outputs to close")
			return nil
		}
	}
}

// closeAndWait closes the thread (twice, which must be harmless) and
// waits for it to exit.
func closeAndWait(t *testing.T, th gpuencoder.EncodeThread) error {
	require.NoError(t, th.Close())
	require.NoError(t, th.Close())
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	return th.Wait(ctx)
}
