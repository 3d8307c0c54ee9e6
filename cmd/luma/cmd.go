package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openfluke/luma/envconfig"
	"github.com/openfluke/luma/gpu"
	"github.com/openfluke/luma/server"
	"github.com/openfluke/luma/shaders"
)

// openDevice is replaced in tests.
var openDevice gpu.Opener = gpu.OpenWGPU

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "luma",
		Short:         "Run elementwise compute shaders on the GPU",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("shaders", envconfig.Shaders(), "Directory of <operation>[_i32|_f32].wgsl files (default: bundled)")
	flags.Bool("lenient", envconfig.LenientShaders(), "Start even when shaders are missing")
	flags.Duration("timeout", envconfig.ReadbackTimeout(), "Readback timeout")
	flags.Bool("debug", envconfig.LogLevel() >= logrus.DebugLevel, "Enable debug logging")

	rootCmd.AddCommand(
		newInfoCmd(),
		newRunCmd(),
		newServeCmd(),
		newEnvCmd(),
	)
	return rootCmd
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the GPU adapter the engine would use",
		Args:  cobra.NoArgs,
		RunE:  InfoHandler,
	}
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run OPERATION VALUE...",
		Short:   "Upload values, run one operation and print the result",
		Example: "  luma run double --shape 3 1 2 3",
		Args:    cobra.MinimumNArgs(2),
		RunE:    RunHandler,
	}
	cmd.Flags().UintSlice("shape", nil, "Array shape, up to 4 dims (default: number of values)")
	cmd.Flags().String("type", "u32", "Element type: u32, i32 or f32")
	cmd.Flags().Int("repeat", 1, "Apply the operation this many times")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP API",
		Long:    "Start the HTTP API on LUMA_HOST (default 127.0.0.1:7860).",
		Args:    cobra.NoArgs,
		RunE:    ServeHandler,
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the LUMA_* environment variables",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

func newLogger(cmd *cobra.Command, formatter logrus.Formatter) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetFormatter(formatter)
	logger.SetLevel(envconfig.LogLevel())
	if debug, _ := cmd.Flags().GetBool("debug"); debug && logger.Level < logrus.DebugLevel {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(logger).WithField("app", "luma")
}

// openEngine acquires the device and loads the configured shaders onto it.
func openEngine(cmd *cobra.Command, log *logrus.Entry, reg prometheus.Registerer) (*gpu.Provider, *gpu.Engine, error) {
	provider := gpu.NewProvider(openDevice, log)
	dc, err := provider.Acquire(cmd.Context())
	if err != nil {
		return nil, nil, err
	}

	dir, _ := cmd.Flags().GetString("shaders")
	lenient, _ := cmd.Flags().GetBool("lenient")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg := gpu.Config{
		ShaderDir:       dir,
		Lenient:         lenient,
		ReadbackTimeout: timeout,
		PollInterval:    envconfig.PollInterval(),
		Logger:          log,
		Registerer:      reg,
	}
	if dir == "" {
		cfg.Shaders = shaders.FS
	}

	e, err := gpu.NewEngine(dc, cfg)
	if err != nil {
		provider.Close()
		return nil, nil, err
	}
	return provider, e, nil
}

func InfoHandler(cmd *cobra.Command, _ []string) error {
	log := newLogger(cmd, &logrus.TextFormatter{})
	provider := gpu.NewProvider(openDevice, log)
	defer provider.Close()

	dc, err := provider.Acquire(cmd.Context())
	if err != nil {
		return err
	}
	report := dc.Info()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		s, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}

	writeTable(cmd.OutOrStdout(), []string{"PROPERTY", "VALUE"}, report.Rows())
	return nil
}

func RunHandler(cmd *cobra.Command, args []string) error {
	op, err := gpu.ParseOperation(args[0])
	if err != nil {
		return err
	}
	typeName, _ := cmd.Flags().GetString("type")
	typ, err := gpu.ParseElementType(typeName)
	if err != nil {
		return err
	}
	repeat, _ := cmd.Flags().GetInt("repeat")
	if repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	values := args[1:]
	shape, err := parseShape(cmd, len(values))
	if err != nil {
		return err
	}

	log := newLogger(cmd, &logrus.TextFormatter{})
	provider, e, err := openEngine(cmd, log, nil)
	if err != nil {
		return err
	}
	defer provider.Close()
	defer e.Close()

	var out []string
	switch typ {
	case gpu.U32:
		out, err = runAs(cmd.Context(), e, shape, op, repeat, values, func(s string) (uint32, error) {
			v, err := strconv.ParseUint(s, 10, 32)
			return uint32(v), err
		})
	case gpu.I32:
		out, err = runAs(cmd.Context(), e, shape, op, repeat, values, func(s string) (int32, error) {
			v, err := strconv.ParseInt(s, 10, 32)
			return int32(v), err
		})
	default:
		out, err = runAs(cmd.Context(), e, shape, op, repeat, values, func(s string) (float32, error) {
			v, err := strconv.ParseFloat(s, 32)
			return float32(v), err
		})
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, " "))
	return nil
}

func parseShape(cmd *cobra.Command, n int) (gpu.Shape, error) {
	dims, _ := cmd.Flags().GetUintSlice("shape")
	if len(dims) == 0 {
		return gpu.ShapeOf(uint32(n))
	}
	u := make([]uint32, len(dims))
	for i, d := range dims {
		if uint64(d) > math.MaxUint32 {
			return gpu.Shape{}, fmt.Errorf("%w: dimension %d is %d, above %d", gpu.ErrShapeMismatch, i, d, uint32(math.MaxUint32))
		}
		u[i] = uint32(d)
	}
	return gpu.ShapeOf(u...)
}

func runAs[T gpu.Element](ctx context.Context, e *gpu.Engine, shape gpu.Shape, op gpu.Operation, repeat int, values []string, parse func(string) (T, error)) ([]string, error) {
	data := make([]T, len(values))
	for i, s := range values {
		v, err := parse(s)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		data[i] = v
	}

	var result []T
	err := gpu.WithArray(e, shape, data, func(a *gpu.Array[T]) error {
		for i := 0; i < repeat; i++ {
			var err error
			if result, err = a.Apply(ctx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, len(result))
	for i, v := range result {
		out[i] = fmt.Sprint(v)
	}
	return out, nil
}

func ServeHandler(cmd *cobra.Command, _ []string) error {
	log := newLogger(cmd, &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.WithField("env", envconfig.Values()).Info("server config")

	reg := prometheus.NewRegistry()
	provider, e, err := openEngine(cmd, log, reg)
	if err != nil {
		return err
	}
	defer provider.Close()
	defer e.Close()

	ln, err := net.Listen("tcp", envconfig.Host())
	if err != nil {
		return err
	}
	return server.New(e, reg, log).Serve(cmd.Context(), ln)
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make([][]string, 0, len(keys))
	for _, k := range keys {
		v := vars[k]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	writeTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
	return nil
}

func writeTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}
