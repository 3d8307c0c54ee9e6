// Package envconfig reads the LUMA_* environment variables.
package envconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = "7860"
)

// Host returns the listen address for `luma serve`.
// Configurable via LUMA_HOST. Default: 127.0.0.1:7860
func Host() string {
	s := strings.TrimSpace(Var("LUMA_HOST"))
	s = strings.TrimPrefix(s, "http://")
	s, _, _ = strings.Cut(s, "/")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	}
	if host == "" {
		host = defaultHost
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		logrus.WithFields(logrus.Fields{"port": port, "default": defaultPort}).Warn("invalid port, using default")
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// AllowedOrigins returns the CORS origins accepted by the server.
// Configurable via LUMA_ORIGINS (comma separated). Local origins are always allowed.
func AllowedOrigins() (origins []string) {
	if s := Var("LUMA_ORIGINS"); s != "" {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	for _, origin := range []string{"localhost", "127.0.0.1"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

// Shaders returns the shader directory. Empty means the bundled shaders.
// Configurable via LUMA_SHADERS.
var Shaders = String("LUMA_SHADERS")

// LenientShaders tolerates missing shaders at load time.
// Configurable via LUMA_LENIENT_SHADERS.
var LenientShaders = Bool("LUMA_LENIENT_SHADERS")

// ReadbackTimeout bounds a readback wait.
// Configurable via LUMA_READBACK_TIMEOUT. Default: 30s
var ReadbackTimeout = Duration("LUMA_READBACK_TIMEOUT", 30*time.Second)

// PollInterval is the pause between device polls while a mapping is pending.
// Configurable via LUMA_POLL_INTERVAL. Default: 1ms
var PollInterval = Duration("LUMA_POLL_INTERVAL", time.Millisecond)

// LogLevel returns the log level.
// Configurable via LUMA_DEBUG: 0/false = info, 1/true = debug, 2 = trace.
func LogLevel() logrus.Level {
	level := logrus.InfoLevel
	if s := Var("LUMA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = logrus.DebugLevel
		} else if i, _ := strconv.ParseInt(s, 10, 64); i >= 2 {
			level = logrus.TraceLevel
		}
	}
	return level
}

// Var returns an environment variable stripped of surrounding quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
