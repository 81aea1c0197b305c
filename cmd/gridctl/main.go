// Command gridctl is the cobra CLI control surface for a running gridengine
// daemon: start, stop, emergency-stop, and status, carried over the daemon's
// local Unix domain socket control channel (spec §6).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"gridmm/internal/control"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "gridctl",
		Short: "control surface for a running gridengine daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "path to the gridengine control socket")

	root.AddCommand(startCmd(), stopCmd(), emergencyStopCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	if p := os.Getenv("POLYMM_CONTROL_SOCKET"); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "gridengine.sock")
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start SYMBOL...",
		Short: "start one or more configured symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := control.Dial(socketPath, control.Request{Cmd: "start", Symbols: args})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("start failed: %s", resp.Error)
			}
			fmt.Printf("started: %v\n", args)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop SYMBOL...",
		Short: "stop one or more running symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := control.Dial(socketPath, control.Request{Cmd: "stop", Symbols: args})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("stop failed: %s", resp.Error)
			}
			fmt.Printf("stopped: %v\n", args)
			return nil
		},
	}
}

func emergencyStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-stop",
		Short: "cancel every resting grid order across all configured symbols with a market id and stop everything",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := control.Dial(socketPath, control.Request{Cmd: "emergency-stop"})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("emergency-stop failed: %s", resp.Error)
			}
			symbols := make([]string, 0, len(resp.Cancelled))
			for symbol := range resp.Cancelled {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			for _, symbol := range symbols {
				fmt.Printf("%-12s cancelled %d orders\n", symbol, resp.Cancelled[symbol])
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the live status of every known symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := control.Dial(socketPath, control.Request{Cmd: "status"})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("status failed: %s", resp.Error)
			}
			symbols := make([]string, 0, len(resp.Status))
			for symbol := range resp.Status {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			for _, symbol := range symbols {
				st := resp.Status[symbol]
				fmt.Printf("%-12s running=%-5v mid=%-10s center=%-10s reduce=%-5v delay=%-3d %s\n",
					symbol, st.Running, st.Mid.String(), st.Center.String(), st.ReduceMode, st.DelayCount, st.Message)
			}
			return nil
		},
	}
}
