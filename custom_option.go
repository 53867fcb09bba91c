package gpuencoder

type CustomOption = any
type CustomOptions []CustomOption

func GetCustomOption[T any](in CustomOptions) (T, bool) {
	for _, item := range in {
		v, ok := item.(T)
		if ok {
			return v, ok
		}
	}

	var zeroValue T
	return zeroValue, false
}

// CustomOptionThreadCount overrides the amount of slice threads of the
// software encoder.
type CustomOptionThreadCount uint

// CustomOptionFramePoolSize sets the initial size of the hardware frame pool.
type CustomOptionFramePoolSize uint

// CustomOptionDeviceName overrides the libav name of the hardware device
// of the GPU-resident encoder (for CUDA, the device ordinal). It must
// name the device the encode thread is bound to.
type CustomOptionDeviceName string
