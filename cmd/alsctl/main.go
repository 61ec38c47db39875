package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/alsd/internal/control"
	"github.com/dokzlo13/alsd/internal/protocol"
)

var (
	tcpAddr    string
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "alsctl",
	Short: "Control a running alsd daemon",
	Long: `alsctl talks to alsd over its TCP or Unix control socket.

Available subcommands:
  status        - Show mode, lux, zone and brightness
  config        - Show the active control configuration
  auto          - Return to automatic brightness
  manual        - Pin brightness at the manual level
  set N         - Override brightness to N percent
  adjust D      - Nudge brightness by D percent
  raw JSON      - Send a raw protocol line`,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(protocol.Request{Command: "get_status"})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the active configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(protocol.Request{Command: "get_config"})
	},
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Switch to automatic mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(setModeRequest("auto"))
	},
}

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Switch to manual mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(setModeRequest("manual"))
	},
}

var setCmd = &cobra.Command{
	Use:   "set N",
	Short: "Set brightness (0-100); reverts to auto after the resume timeout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("brightness must be an integer: %w", err)
		}
		return run(protocol.Request{Command: "set_brightness", Params: map[string]interface{}{"brightness": n}})
	},
}

var adjustCmd = &cobra.Command{
	Use:   "adjust D",
	Short: "Adjust brightness by a signed delta",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("delta must be an integer: %w", err)
		}
		return run(protocol.Request{Command: "adjust_brightness", Params: map[string]interface{}{"delta": d}})
	},
}

var rawCmd = &cobra.Command{
	Use:   "raw JSON",
	Short: "Send a raw protocol line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		resp, err := c.Raw([]byte(args[0]))
		if err != nil {
			return err
		}
		return printResponse(resp)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tcpAddr, "tcp", "", "Daemon TCP address (host:port)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/alsd.sock", "Daemon Unix socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	rootCmd.AddCommand(statusCmd, configCmd, autoCmd, manualCmd, setCmd, adjustCmd, rawCmd)
}

func setModeRequest(mode string) protocol.Request {
	return protocol.Request{Command: "set_mode", Params: map[string]interface{}{"mode": mode}}
}

func connect() (*control.Client, error) {
	if tcpAddr != "" {
		return control.Dial("tcp", tcpAddr, timeout)
	}
	return control.Dial("unix", socketPath, timeout)
}

func run(req protocol.Request) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp protocol.Response) error {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.Status != protocol.StatusSuccess {
		return fmt.Errorf("%s: %s", resp.ErrorCode, resp.Message)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
