package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gatelink/internal/link"
)

func newSendCommand(ctx context.Context, o *rootOptions) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "send <COMMAND>",
		Short: "Send one command to the gate controller and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			if demo {
				cfg.Demo.Enabled = true
			}
			lcfg := cfg.Link()
			if err := lcfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			lk := link.New(lcfg, linkOptions(cfg)...)
			defer lk.Close()
			if err := lk.Start(); err != nil {
				return fmt.Errorf("opening %s: %w", lcfg.Port, err)
			}

			reply := make(chan string, 1)
			if !lk.SendCommand(args[0], func(r string) { reply <- r }) {
				return errors.New("command rejected")
			}

			// Allow for a queued startup status request ahead of ours.
			timeout := 2*lk.Config().CommandTimeout + time.Second
			select {
			case r := <-reply:
				fmt.Fprintln(cmd.OutOrStdout(), r)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("no reply to %q within %s", args[0], timeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "Talk to the built-in gate controller simulator.")
	return cmd
}
