package gpu

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReadbackTimeout = 30 * time.Second
	DefaultPollInterval    = time.Millisecond
)

// Config encapsulates the settings for an Engine.
type Config struct {
	// Directory holding one <operation>.wgsl file per operation. Ignored when
	// Shaders is set.
	ShaderDir string

	// Shader sources to load instead of ShaderDir.
	Shaders fs.FS

	// Operations whose shaders must be present at load time. Defaults to every
	// operation. Ignored when Lenient is set.
	Required []Operation

	// Lenient tolerates missing shaders and unreadable shader directories; the
	// affected operations then fail at dispatch with ErrOperationNotSupported.
	Lenient bool

	// Upper bound on a single readback wait when the caller's context carries no
	// deadline.
	ReadbackTimeout time.Duration

	// Time between device polls while waiting for a mapping.
	PollInterval time.Duration

	// A clock instance for pump timing. If not specified, the wall clock is used.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will be used
	// instead.
	Logger *logrus.Entry

	// Registerer for the engine metrics. If not specified a private registry is
	// used, so several engines can coexist in one process.
	Registerer prometheus.Registerer
}

func (cfg *Config) validate() error {
	var err error
	if cfg.Shaders == nil {
		if cfg.ShaderDir == "" {
			err = multierror.Append(err, errors.New("shader directory has not been specified"))
		} else {
			cfg.Shaders = os.DirFS(cfg.ShaderDir)
		}
	}
	if cfg.Required == nil {
		cfg.Required = Operations()
	}
	for _, op := range cfg.Required {
		if !op.Valid() {
			err = multierror.Append(err, fmt.Errorf("invalid required operation %d", op))
		}
	}
	if cfg.ReadbackTimeout < 0 {
		err = multierror.Append(err, errors.New("invalid value for readback timeout"))
	} else if cfg.ReadbackTimeout == 0 {
		cfg.ReadbackTimeout = DefaultReadbackTimeout
	}
	if cfg.PollInterval < 0 {
		err = multierror.Append(err, errors.New("invalid value for poll interval"))
	} else if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return err
}
