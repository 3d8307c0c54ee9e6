package envconfig

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// BoolWithDefault returns a getter for k. A set but unparsable value counts as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Duration returns a getter for key accepting Go durations ("250ms") or whole
// seconds ("5"). Invalid or non-positive values fall back to defaultValue.
func Duration(key string, defaultValue time.Duration) func() time.Duration {
	return func() time.Duration {
		s := Var(key)
		if s == "" {
			return defaultValue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			n, nerr := strconv.ParseInt(s, 10, 64)
			if nerr != nil {
				logrus.WithFields(logrus.Fields{"key": key, "value": s, "default": defaultValue}).Warn("invalid environment variable, using default")
				return defaultValue
			}
			d = time.Duration(n) * time.Second
		}
		if d <= 0 {
			logrus.WithFields(logrus.Fields{"key": key, "value": s, "default": defaultValue}).Warn("non-positive duration, using default")
			return defaultValue
		}
		return d
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value and a description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LUMA_DEBUG":            {"LUMA_DEBUG", LogLevel(), "Show additional debug information (e.g. LUMA_DEBUG=1)"},
		"LUMA_HOST":             {"LUMA_HOST", Host(), "Listen address for luma serve (default 127.0.0.1:7860)"},
		"LUMA_ORIGINS":          {"LUMA_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"LUMA_SHADERS":          {"LUMA_SHADERS", Shaders(), "Directory of <operation>[_i32|_f32].wgsl files (default: bundled shaders)"},
		"LUMA_LENIENT_SHADERS":  {"LUMA_LENIENT_SHADERS", LenientShaders(), "Start even when shaders are missing"},
		"LUMA_READBACK_TIMEOUT": {"LUMA_READBACK_TIMEOUT", ReadbackTimeout(), "How long a readback may wait for the device (default \"30s\")"},
		"LUMA_POLL_INTERVAL":    {"LUMA_POLL_INTERVAL", PollInterval(), "Pause between device polls during readback (default \"1ms\")"},
	}
}

// Values returns AsMap rendered as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
