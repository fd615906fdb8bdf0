// Package app builds the gatelink command tree.
package app

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/shaunagostinho/gatelink/internal/config"
	"github.com/shaunagostinho/gatelink/internal/log"
)

type rootOptions struct {
	configPath string
	logOptions *log.Options
	cfg        *config.Config
}

// NewGatelinkCommand returns the root command. ctx is cancelled on shutdown
// signals.
func NewGatelinkCommand(ctx context.Context) *cobra.Command {
	o := &rootOptions{logOptions: log.NewOptions()}

	cmd := &cobra.Command{
		Use:          "gatelink",
		Short:        "Supervised serial link to a parking gate controller",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.complete(cmd.Flags())
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVar(&o.configPath, "config", config.DefaultPath, "Path to the YAML or TOML config file.")
	o.logOptions.AddFlags(fs)

	cmd.AddCommand(newServeCommand(ctx, o))
	cmd.AddCommand(newSendCommand(ctx, o))
	cmd.AddCommand(newPortsCommand())
	cmd.AddCommand(newConfigCommand(o))
	return cmd
}

// complete loads the config and initialises logging. Log flags given on the
// command line win over the config file's log section.
func (o *rootOptions) complete(fs *pflag.FlagSet) error {
	o.cfg = config.Load(o.configPath)

	opts := o.logOptions
	if !logFlagsChanged(fs) && o.cfg.Log != nil {
		opts = o.cfg.Log
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		opts.EnableColor = false
	}
	log.Init(opts)
	return nil
}

func logFlagsChanged(fs *pflag.FlagSet) bool {
	changed := false
	fs.Visit(func(f *pflag.Flag) {
		if strings.HasPrefix(f.Name, "log.") {
			changed = true
		}
	})
	return changed
}
