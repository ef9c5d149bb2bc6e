package main

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"millhammer.com/stepper"
)

// The machine profile is the persisted stepper configuration.

func loadProfile(path string) (stepper.Config, error) {
	var cfg stepper.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := cbor.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveProfile(path string, cfg stepper.Config) error {
	data, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
