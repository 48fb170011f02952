package cfg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Seconds is a duration given either as a Go duration string ("90s", "1h")
// or as a bare number of seconds.
type Seconds time.Duration

func (s *Seconds) UnmarshalFlag(value string) error {
	value = strings.TrimSpace(value)
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("negative duration %q", value)
		}
		*s = Seconds(time.Duration(n * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	if d < 0 {
		return fmt.Errorf("negative duration %q", value)
	}
	*s = Seconds(d)
	return nil
}

func (s Seconds) MarshalFlag() (string, error) {
	return time.Duration(s).String(), nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// Toggle is a boolean that accepts 1/0, true/false, yes/no and on/off.
type Toggle bool

func (t *Toggle) UnmarshalFlag(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "y", "t":
		*t = true
	case "0", "false", "no", "off", "n", "f", "":
		*t = false
	default:
		return fmt.Errorf("invalid boolean %q", value)
	}
	return nil
}

func (t Toggle) MarshalFlag() (string, error) {
	return strconv.FormatBool(bool(t)), nil
}
