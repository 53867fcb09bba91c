package gpuencoder

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultFrameRate          = 60
	DefaultBitrate            = 2 * (1024 * 1024)
	DefaultMaxPacketsPerCycle = 4
	DefaultIdlePollInterval   = time.Millisecond

	// AverageToPeakBitrateRatio is the divisor applied to the configured
	// bitrate ceiling to get the average bitrate target.
	AverageToPeakBitrateRatio = 4
)

type EncoderConfig struct {
	Backend   Backend `json:"backend,omitempty"    yaml:"backend,omitempty"`
	CodecName string  `json:"codec_name,omitempty" yaml:"codec_name,omitempty"`

	// FrameRate is fixed for the life of one encoder instance.
	FrameRate uint `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`

	// Bitrate is the ceiling (max rate) in bits per second; the average
	// target is Bitrate/AverageToPeakBitrateRatio.
	Bitrate uint64 `json:"bitrate,omitempty" yaml:"bitrate,omitempty"`

	// MaxPacketsPerCycle bounds how many times the codec is polled for
	// output after a single SendFrame.
	MaxPacketsPerCycle uint `json:"max_packets_per_cycle,omitempty" yaml:"max_packets_per_cycle,omitempty"`

	// IdlePollInterval is how long the CPU-staged thread sleeps when no
	// command is pending.
	IdlePollInterval time.Duration `json:"idle_poll_interval,omitempty" yaml:"idle_poll_interval,omitempty"`

	// CodecOptions are applied on top of the built-in tuning, so they
	// may override it.
	CodecOptions DictionaryItems `json:"codec_options,omitempty" yaml:"codec_options,omitempty"`

	CustomOptions CustomOptions `json:"-" yaml:"-"`
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Backend:            BackendSoftware,
		FrameRate:          DefaultFrameRate,
		Bitrate:            DefaultBitrate,
		MaxPacketsPerCycle: DefaultMaxPacketsPerCycle,
		IdlePollInterval:   DefaultIdlePollInterval,
	}
}

// WithDefaults returns a copy with every unset field replaced by its default.
func (cfg EncoderConfig) WithDefaults() EncoderConfig {
	def := DefaultEncoderConfig()
	if cfg.Backend == BackendUndefined {
		cfg.Backend = def.Backend
	}
	if cfg.FrameRate == 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = def.Bitrate
	}
	if cfg.MaxPacketsPerCycle == 0 {
		cfg.MaxPacketsPerCycle = def.MaxPacketsPerCycle
	}
	if cfg.IdlePollInterval == 0 {
		cfg.IdlePollInterval = def.IdlePollInterval
	}
	return cfg
}

func (cfg EncoderConfig) AverageBitrate() uint64 {
	return cfg.Bitrate / AverageToPeakBitrateRatio
}

type DictionaryItem struct {
	Key   string `json:"key"   yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type DictionaryItems []DictionaryItem

type Backend uint

const (
	BackendUndefined = Backend(iota)
	BackendSoftware
	BackendGPUStaged
	BackendGPUResident
	EndOfBackend
)

func (b Backend) String() string {
	switch b {
	case BackendUndefined:
		return "<undefined>"
	case BackendSoftware:
		return "software"
	case BackendGPUStaged:
		return "gpu_staged"
	case BackendGPUResident:
		return "gpu_resident"
	}
	return fmt.Sprintf("unexpected_backend_%d", uint(b))
}

// IsHardware returns true for the backends running on the hardware
// video codec.
func (b Backend) IsHardware() bool {
	switch b {
	case BackendGPUStaged, BackendGPUResident:
		return true
	default:
		return false
	}
}

func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Backend) UnmarshalText(text []byte) error {
	if b == nil {
		return fmt.Errorf("Backend is nil")
	}
	s := strings.ToLower(strings.Trim(string(text), `"`))
	for cmp := BackendUndefined; cmp < EndOfBackend; cmp++ {
		if cmp.String() == s {
			*b = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the Backend: '%s'", s)
}
