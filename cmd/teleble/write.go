package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/device"
)

// writeCmd writes to the node's UART channel
var writeCmd = &cobra.Command{
	Use:   "write <data>",
	Short: "Write data to the node's UART channel",
	Long: `Connects to the node and writes data to the UART write characteristic.

Examples:
  # Write a string
  teleble write "Hello"

  # Write hex data
  teleble write 48656c6c6f --hex

  # Write and print the node's replies for 5 seconds
  teleble write "status" --listen 5s

  # Write to another characteristic
  teleble write 01 --hex --char 2a06`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

var (
	writeHex    bool
	writeChar   string
	writeListen time.Duration
)

func init() {
	addNodeFlags(writeCmd)
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().StringVar(&writeChar, "char", device.CharacteristicUARTTX, "Characteristic UUID to write")
	writeCmd.Flags().DurationVar(&writeListen, "listen", 0, "Print UART notifications for this long after writing")
}

// parseWriteData decodes the positional argument according to --hex.
func parseWriteData(s string) ([]byte, error) {
	if !writeHex {
		return []byte(s), nil
	}
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	data, err := parseWriteData(args[0])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("data must not be empty")
	}
	chars, err := device.ValidateUUID(writeChar)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Writing %d bytes to %s", len(data), device.ShortenUUID(chars[0])), "Scanning", "Ready")
	progress.Start()

	ctx := cmd.Context()
	sess, err := connectNode(ctx, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer sess.Close()

	if writeListen > 0 {
		sess.OnDataReceived(func(payload []byte) {
			fmt.Fprintf(out, "%s %s %s\n", timestamp(), keyColor.Sprint("<-"), hex.EncodeToString(payload))
		})
		if err := sess.NotifyDataReceive(ctx); err != nil {
			return err
		}
	}

	if err := sess.Write(ctx, chars[0], data); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s wrote %d bytes to %s\n", okColor.Sprint("OK"), len(data), chars[0])

	if writeListen > 0 {
		select {
		case <-time.After(writeListen):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
