package work

import (
	"bytes"
	"encoding/json"
	"math"
)

// Flag values are kept in the form a JSON decode produces, except that
// numbers are int when they are whole and fit, float64 otherwise. WithFlag
// and UnmarshalJSON both apply it, so an item leaves the queue equal to the
// item that entered it.

// UnmarshalJSON decodes the queued form of an item with flags in canonical form.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	type plain WorkItem
	aux := struct {
		*plain
		Flags json.RawMessage `json:"flags,omitempty"`
	}{plain: (*plain)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	w.Flags = nil
	if len(aux.Flags) == 0 || bytes.Equal(aux.Flags, []byte("null")) {
		return nil
	}
	var flags map[string]any
	if err := decodeNumbers(aux.Flags, &flags); err != nil {
		return err
	}
	for k, v := range flags {
		flags[k] = normalizeFlag(v)
	}
	w.Flags = flags
	return nil
}

// canonicalFlag converts value to the form it takes after a round trip
// through JSON. Values that cannot be encoded are kept as given.
func canonicalFlag(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int:
		return v
	case float64:
		return normalizeFloat(v)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := decodeNumbers(raw, &decoded); err != nil {
		return value
	}
	return normalizeFlag(decoded)
}

func decodeNumbers(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func normalizeFlag(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && n >= math.MinInt && n <= math.MaxInt {
			return int(n)
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return normalizeFloat(f)
	case []any:
		for i := range t {
			t[i] = normalizeFlag(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeFlag(t[k])
		}
		return t
	default:
		return v
	}
}

// normalizeFloat maps whole floats to int, matching how encoding/json
// prints them.
func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt && f < math.MaxInt {
		return int(f)
	}
	return f
}
