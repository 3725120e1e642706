package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// LogLevelFlag implements pflag.Value for slog levels
type LogLevelFlag slog.Level

func (f *LogLevelFlag) String() string {
	return slog.Level(*f).String()
}

func (f *LogLevelFlag) Set(value string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", value, err)
	}
	*f = LogLevelFlag(level)
	return nil
}

func (f *LogLevelFlag) Type() string { return "level" }

func (f *LogLevelFlag) Level() slog.Level { return slog.Level(*f) }

// Uint32SliceFlag implements pflag.Value for a slice of uint32
type Uint32SliceFlag []uint32

func (f *Uint32SliceFlag) String() string {
	if f == nil {
		return ""
	}
	strs := make([]string, len(*f))
	for i, v := range *f {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(strs, ",")
}

// Set replaces the defaults with the given comma-separated ports.
func (f *Uint32SliceFlag) Set(value string) error {
	var ports []uint32
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid port value %q: %w", part, err)
		}
		ports = append(ports, uint32(v))
	}
	*f = ports
	return nil
}

func (f *Uint32SliceFlag) Type() string { return "ports" }
