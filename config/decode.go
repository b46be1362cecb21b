package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
)

// Decode overlays raw onto the defaults. Durations may be given as strings
// such as "30s". Unknown keys are an error.
func Decode(raw map[string]interface{}) (*Config, error) {
	cfg := Default()

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			weakDecodeFromSlice,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Metadata:         &md,
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if len(md.Unused) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", md.Unused)
	}
	return cfg, nil
}

// Parse decodes HCL text
func Parse(src []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := hcl.Unmarshal(src, &raw); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return Decode(raw)
}

// LoadFile reads and parses the HCL file at path
func LoadFile(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// weakDecodeFromSlice unwraps the single-element lists HCL produces for
// blocks such as tls { ... } when the target is not a slice.
func weakDecodeFromSlice(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Slice || to.Kind() == reflect.Slice {
		return data, nil
	}
	if to != reflect.TypeOf(time.Duration(0)) && to.Kind() != reflect.Struct && to.Kind() != reflect.Map {
		return data, nil
	}
	if v := reflect.ValueOf(data); v.Len() == 1 {
		return v.Index(0).Interface(), nil
	}
	return data, nil
}
