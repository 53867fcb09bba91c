package main

import (
	"fmt"
	"os"

	"github.com/xaionaro-go/gpuencoder"
	"gopkg.in/yaml.v3"
)

func readConfig(path string) (gpuencoder.EncoderConfig, error) {
	cfg := gpuencoder.DefaultEncoderConfig()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	return cfg, nil
}
