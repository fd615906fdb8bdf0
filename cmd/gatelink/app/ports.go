package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gatelink/internal/serialio"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial devices on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialio.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
