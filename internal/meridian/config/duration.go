package config

import "time"

// Duration is a trick to let our TOML library parse durations from strings.
type Duration time.Duration

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}
