package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/capmux/internal/core"
)

// Decode decodes loosely typed settings (control-plane JSON, plugin option
// maps) into out, using the same field names as the YAML file.
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

// DecodeSource decodes and validates a source description.
func DecodeSource(in map[string]any) (SourceConfig, error) {
	var src SourceConfig
	if err := Decode(in, &src); err != nil {
		return src, err
	}
	if err := src.ApplyDefaults(); err != nil {
		return src, err
	}
	return src, nil
}

// DecodeSink decodes and validates a sink description against the fan-out
// defaults.
func DecodeSink(in map[string]any, fanout FanoutConfig) (SinkConfig, error) {
	var sk SinkConfig
	if err := Decode(in, &sk); err != nil {
		return sk, err
	}
	if err := sk.ApplyDefaults(fanout); err != nil {
		return sk, err
	}
	return sk, nil
}

// ListenAddress splits "tcp:host:port" or "unix:/path" into the network and
// address arguments of net.Listen. A bare "host:port" means tcp.
func ListenAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "tcp:"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp:")
	case strings.HasPrefix(addr, "unix:"):
		network, address = "unix", strings.TrimPrefix(addr, "unix:")
	case strings.Contains(addr, ":"):
		network, address = "tcp", addr
	}
	if address == "" {
		return "", "", fmt.Errorf("%w: invalid listen address %q (want tcp:host:port or unix:/path)", core.ErrConfigInvalid, addr)
	}
	return network, address, nil
}
