package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields (dispatch.tick_interval, dispatch.exec_timeout,
// api.read_timeout, storage.busy_timeout, ...) are Go duration strings such
// as "500ms", "10s", or "5m". An empty field means unset; the caller decides
// the default.

// ParseDurationField parses one duration field. path names the field in
// error messages ("dispatch.retry_backoff: invalid duration ..."). Empty
// input yields zero; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// unset fields, so call sites carry their default next to the field name.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
