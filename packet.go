package gpuencoder

import (
	"fmt"
)

// Packet is an encoded access unit, owned by the receiver.
type Packet struct {
	Data       []byte
	PTS        int64
	DTS        int64
	IsKeyFrame bool
}

func (p Packet) String() string {
	return fmt.Sprintf("packet(pts:%d, dts:%d, key:%t, size:%d)", p.PTS, p.DTS, p.IsKeyFrame, len(p.Data))
}
