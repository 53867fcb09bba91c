package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/gpuencoder"
)

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig("")
	require.NoError(t, err)
	require.Equal(t, gpuencoder.DefaultEncoderConfig(), cfg)

	path := filepath.Join(t.TempDir(), "encoder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: gpu_staged
frame_rate: 30
idle_poll_interval: 5ms
codec_options:
  - key: preset
    value: p4
`), 0o644))

	cfg, err = readConfig(path)
	require.NoError(t, err)
	require.Equal(t, gpuencoder.BackendGPUStaged, cfg.Backend)
	require.Equal(t, uint(30), cfg.FrameRate)
	require.Equal(t, 5*time.Millisecond, cfg.IdlePollInterval)
	require.Equal(t, uint64(gpuencoder.DefaultBitrate), cfg.Bitrate)
	require.Equal(t, gpuencoder.DictionaryItems{{Key: "preset", Value: "p4"}}, cfg.CodecOptions)

	_, err = readConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
