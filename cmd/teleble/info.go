package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/session"
)

// infoCmd prints the node's profile and GAP information
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Connect to a node and print its device information and GATT profile",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var infoFormat string

func init() {
	addNodeFlags(infoCmd)
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "text", "Output format (text, json)")
}

type nodeInfo struct {
	Name             string                       `json:"name"`
	Address          string                       `json:"address"`
	DeviceName       string                       `json:"device_name,omitempty"`
	Appearance       *uint16                      `json:"appearance,omitempty"`
	ConnectionParams *device.ConnectionParameters `json:"connection_parameters,omitempty"`
	Services         []serviceInfo                `json:"services"`
}

type serviceInfo struct {
	UUID            string     `json:"uuid"`
	Characteristics []charInfo `json:"characteristics"`
}

type charInfo struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
}

func runInfo(cmd *cobra.Command, _ []string) error {
	if infoFormat != "text" && infoFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", infoFormat)
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
	progress := NewProgressPrinter(out, fmt.Sprintf("Connecting to %s", cfg.Device.Name), "Scanning", "Ready")
	progress.Start()

	ctx := cmd.Context()
	sess, err := connectNode(ctx, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer sess.Close()

	info := collectNodeInfo(cmd, sess)

	if infoFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	printNodeInfo(out, info)
	return nil
}

// collectNodeInfo reads the GAP characteristics the node exposes; missing
// ones are left empty.
func collectNodeInfo(cmd *cobra.Command, sess *session.Session) nodeInfo {
	ctx := cmd.Context()
	info := nodeInfo{Name: sess.Name(), Address: sess.Address()}

	if name, err := sess.DeviceName(ctx); err == nil {
		info.DeviceName = name
	}
	if appearance, err := sess.Appearance(ctx); err == nil {
		info.Appearance = &appearance
	}
	if params, err := sess.PreferredConnectionParameters(ctx); err == nil {
		info.ConnectionParams = &params
	}

	for _, svc := range sess.Registry().Services() {
		si := serviceInfo{UUID: svc.UUID}
		for _, c := range svc.Characteristics {
			si.Characteristics = append(si.Characteristics, charInfo{UUID: c.UUID, Properties: c.Properties.String()})
		}
		info.Services = append(info.Services, si)
	}
	return info
}

func printNodeInfo(out io.Writer, info nodeInfo) {
	fmt.Fprintf(out, "%s %s\n", keyColor.Sprint("Node:"), okColor.Sprint(info.Name))
	fmt.Fprintf(out, "%s %s\n", keyColor.Sprint("Address:"), info.Address)
	if info.DeviceName != "" {
		fmt.Fprintf(out, "%s %s\n", keyColor.Sprint("Device name:"), info.DeviceName)
	}
	if info.Appearance != nil {
		fmt.Fprintf(out, "%s 0x%04x\n", keyColor.Sprint("Appearance:"), *info.Appearance)
	}
	if info.ConnectionParams != nil {
		fmt.Fprintf(out, "%s %s\n", keyColor.Sprint("Connection parameters:"), info.ConnectionParams)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCHARACTERISTIC\tPROPERTIES")
	for _, svc := range info.Services {
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "%s\t%s\t%s\n", svc.UUID, c.UUID, c.Properties)
		}
	}
	_ = w.Flush()
}
