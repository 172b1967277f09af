package config

import (
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/goccy/go-yaml"
	"github.com/pingcap/errors"
)

// Duration is a time.Duration read from a human readable string such as "1s" or "250ms".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d *Duration) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return errors.WithStack(err)
	}
	return d.UnmarshalText([]byte(s))
}

// ByteSize is a size in bytes read from strings such as "64MiB" or "1GB", plain numbers are bytes.
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := string(text)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return errors.WithStack(err)
	}
	if n < 0 {
		return errors.Errorf("negative size %s", s)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return errors.WithStack(err)
	}
	return b.UnmarshalText([]byte(s))
}
