package pool

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/rohmanhakim/harvester/pkg/retry"
)

// ProtocolConfig is every tunable of one connection pool. Two configs that
// differ in any field get distinct pools.
type ProtocolConfig struct {
	Protocol          string         `json:"protocol"`
	ConnectTimeout    time.Duration  `json:"connectTimeout"`
	RequestTimeout    time.Duration  `json:"requestTimeout"`
	RequestsPerSecond float64        `json:"requestsPerSecond"`
	MaxBytesPerSecond int64          `json:"maxBytesPerSecond"`
	MaxConnections    int            `json:"maxConnections"`
	MaxRetries        int            `json:"maxRetries"`
	BaseDelay         time.Duration  `json:"baseDelay"`
	MaxDelay          time.Duration  `json:"maxDelay"`
	ExponentialBase   float64        `json:"exponentialBase"`
	Jitter            bool           `json:"jitter"`
	JitterMin         float64        `json:"jitterMin"`
	JitterMax         float64        `json:"jitterMax"`
	AuthRef           string         `json:"authRef"`
	Options           map[string]any `json:"options,omitempty"`
}

// DefaultProtocolConfig returns conservative settings for protocol.
func DefaultProtocolConfig(protocol string) ProtocolConfig {
	policy := retry.DefaultPolicy()
	return ProtocolConfig{
		Protocol:          protocol,
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 5,
		MaxConnections:    16,
		MaxRetries:        policy.MaxRetries,
		BaseDelay:         policy.BaseDelay,
		MaxDelay:          policy.MaxDelay,
		ExponentialBase:   policy.ExponentialBase,
		Jitter:            policy.Jitter,
		JitterMin:         policy.JitterMin,
		JitterMax:         policy.JitterMax,
	}
}

// RetryPolicy extracts the retry knobs.
func (c ProtocolConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:      c.MaxRetries,
		BaseDelay:       c.BaseDelay,
		MaxDelay:        c.MaxDelay,
		ExponentialBase: c.ExponentialBase,
		Jitter:          c.Jitter,
		JitterMin:       c.JitterMin,
		JitterMax:       c.JitterMax,
	}
}

// WithOption returns a copy of c with an option set.
func (c ProtocolConfig) WithOption(key string, value any) ProtocolConfig {
	c.Options = maps.Clone(c.Options)
	if c.Options == nil {
		c.Options = make(map[string]any)
	}
	c.Options[key] = value
	return c
}

// Fingerprint is a canonical encoding of every field. Map keys are emitted
// in sorted order at every nesting level, so equal configs always produce
// the same string and different configs never do.
func (c ProtocolConfig) Fingerprint() string {
	payload, err := json.Marshal(c)
	if err != nil {
		// values JSON cannot carry (NaN, channels); fmt also prints maps sorted
		return fmt.Sprintf("%s|%#v", c.Protocol, c)
	}
	return c.Protocol + "|" + string(payload)
}
