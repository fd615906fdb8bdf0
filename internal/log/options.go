package log

import (
	"github.com/spf13/pflag"
)

// Options contains configuration settings for the logger.
type Options struct {
	// Name is an optional root name for the logger.
	Name string `json:"name,omitempty" yaml:"name" toml:"name"`

	// Level is the minimum log level to output. Can be 'debug', 'info', 'warn', 'error'.
	Level string `json:"level,omitempty" yaml:"level" toml:"level"`

	// Format specifies the log output format. Can be 'json' or 'console'.
	Format string `json:"format,omitempty" yaml:"format" toml:"format"`

	// EnableColor enables colorized output for console format.
	EnableColor bool `json:"enableColor,omitempty" yaml:"enable_color" toml:"enable_color"`

	// DisableCaller stops annotating logs with the calling function's file name and line number.
	DisableCaller bool `json:"disableCaller,omitempty" yaml:"disable_caller" toml:"disable_caller"`

	// CallerSkip increases the number of callers skipped by caller annotation.
	CallerSkip int `json:"callerSkip,omitempty" yaml:"caller_skip" toml:"caller_skip"`

	// OutputPaths is a list of paths to write logs to. Defaults to ["stdout"].
	OutputPaths []string `json:"outputPaths,omitempty" yaml:"output_paths" toml:"output_paths"`
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
		CallerSkip:  1,
		OutputPaths: []string{"stdout"},
	}
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Enable colorized output for the console format.")

	usage := "The minimum log level to output (e.g., 'debug', 'info', 'warn', 'error')."
	fs.StringVar(&o.Level, "log.level", o.Level, usage)

	usage = "Disable the caller field in logs (file and line number)."
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, usage)

	usage = "A list of log output paths (e.g., 'stdout', '/var/log/gatelink.log')."
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, usage)
}
