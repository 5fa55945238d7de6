// Command sentinelctl drives a home-sentinel server over its websocket
// JSON-RPC endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"home-sentinel/internal/protocol"
	"home-sentinel/internal/realtime"
)

type cliOptions struct {
	url     string
	userID  string
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:          "sentinelctl",
		Short:        "Client for a home-sentinel server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", envOr("SENTINEL_URL", "ws://localhost:3001/ws"), "websocket endpoint of the server")
	rootCmd.PersistentFlags().StringVarP(&opts.userID, "user", "u", os.Getenv("SENTINEL_USER"), "session (user) id")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")

	rootCmd.AddCommand(
		newFrontCallCmd(opts),
		newSensorAddCmd(opts),
		newSensorNegotiationCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

func newFrontCallCmd(opts *cliOptions) *cobra.Command {
	var (
		frontDevice string
		offerFile   string
		sensors     string
	)
	cmd := &cobra.Command{
		Use:     "front-call",
		Aliases: []string{"call"},
		Short:   "Start or rejoin a session and print the SDP answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			offer, err := readInput(offerFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			params := protocol.FrontCallParams{
				UserID:      opts.userID,
				Offer:       offer,
				FrontDevice: frontDevice,
			}
			if sensors != "" {
				if err := json.Unmarshal([]byte(sensors), &params.Sensors); err != nil {
					return fmt.Errorf("--sensors: %w", err)
				}
			}
			var answer string
			if err := call(cmd.Context(), opts, protocol.MethodFrontCall, params, &answer); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&frontDevice, "front", protocol.FrontDebug, "front device type (whip or debug)")
	cmd.Flags().StringVar(&offerFile, "offer", "-", "file holding the SDP offer, - for stdin")
	cmd.Flags().StringVar(&sensors, "sensors", "", `initial sensors as JSON, e.g. {"debug":[{"id":"cam"}]}`)
	return cmd
}

func newSensorAddCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sensor-add TYPE DESCRIPTOR",
		Short: "Attach sensors, e.g. sensor-add debug '[{\"id\":\"cam\"}]'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("descriptor is not valid JSON")
			}
			params := protocol.SensorAddParams{
				UserID: opts.userID,
				Sensor: protocol.SensorInit{args[0]: json.RawMessage(args[1])},
			}
			var results []protocol.SensorAddResult
			if err := call(cmd.Context(), opts, protocol.MethodSensorAdd, params, &results); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func newSensorNegotiationCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sensor-negotiation SENSOR_ID PAYLOAD",
		Short: "Forward a negotiation payload (e.g. an ICE candidate) to a sensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := protocol.SensorNegotiationParams{
				UserID:   opts.userID,
				SensorID: args[0],
				Payload:  json.RawMessage(args[1]),
			}
			var result json.RawMessage
			if err := call(cmd.Context(), opts, protocol.MethodSensorNegotiation, params, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show devices, running tasks and recent results of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status protocol.SessionStatus
			params := protocol.SessionStatusParams{UserID: opts.userID}
			if err := call(cmd.Context(), opts, protocol.MethodSessionStatus, params, &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func call(ctx context.Context, opts *cliOptions, method string, params, result any) error {
	if opts.userID == "" {
		return fmt.Errorf("--user is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	conn, err := realtime.Dial(ctx, opts.url)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Call(ctx, method, params, result)
}

func readInput(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read offer: %w", err)
	}
	offer := strings.TrimSpace(string(data))
	if offer == "" {
		return "", fmt.Errorf("offer is empty")
	}
	return offer, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
