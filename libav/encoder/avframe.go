package encoder

/*
#cgo pkg-config: libavutil
#include <stdint.h>
#include <libavutil/frame.h>

static uint64_t gpuencoder_frame_data0(AVFrame *f) {
	return (uint64_t)(uintptr_t)f->data[0];
}

static int gpuencoder_frame_linesize0(AVFrame *f) {
	return f->linesize[0];
}

static void gpuencoder_frame_set_linesize0(AVFrame *f, int linesize) {
	f->linesize[0] = linesize;
}

static void gpuencoder_frame_set_key_flag(AVFrame *f, int isKey) {
	f->flags = isKey ? AV_FRAME_FLAG_KEY : 0;
}
*/
import "C"

import (
	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/gpuencoder/cuda"
)

// AVFrame fields not exposed by astiav.

func avFrame(f *astiav.Frame) *C.AVFrame {
	return (*C.AVFrame)(f.UnsafePointer())
}

// frameDevicePtr is data[0], which is a CUdeviceptr for CUDA frames.
func frameDevicePtr(f *astiav.Frame) cuda.DevicePtr {
	return cuda.DevicePtr(C.gpuencoder_frame_data0(avFrame(f)))
}

func frameLinesize0(f *astiav.Frame) int {
	return int(C.gpuencoder_frame_linesize0(avFrame(f)))
}

func frameSetLinesize0(f *astiav.Frame, linesize int) {
	C.gpuencoder_frame_set_linesize0(avFrame(f), C.int(linesize))
}

func frameSetKeyFlag(f *astiav.Frame, isKey bool) {
	v := C.int(0)
	if isKey {
		v = 1
	}
	C.gpuencoder_frame_set_key_flag(avFrame(f), v)
}
