package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// duration accepts Go duration strings ("250ms", "1m30s") in both JSON and
// TOML files. Plain JSON numbers are read as nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = duration(v)
	return nil
}

func (d *duration) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = duration(ns)
	return nil
}
