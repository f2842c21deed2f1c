package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/devicefactory"
)

// discoverCmd lists nodes in range
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List teleinfo nodes in range",
	Long: `Scans for the given duration and lists every peripheral advertising the
configured node name. Use --all to list every peripheral in range.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var (
	discoverDuration time.Duration
	discoverFormat   string
	discoverAll      bool
)

func init() {
	addNodeFlags(discoverCmd)
	discoverCmd.Flags().DurationVarP(&discoverDuration, "duration", "d", 10*time.Second, "Scan duration")
	discoverCmd.Flags().StringVarP(&discoverFormat, "format", "f", "table", "Output format (table, json)")
	discoverCmd.Flags().BoolVarP(&discoverAll, "all", "a", false, "List every peripheral, not only teleinfo nodes")
}

type discoveredNode struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	if discoverFormat != "table" && discoverFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", discoverFormat)
	}
	if discoverDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
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
	progress := NewCountdownProgressPrinter(out, "Scanning for teleinfo nodes", "Scanning", discoverDuration)
	progress.Start()

	advs, err := devicefactory.NewDiscovery(logger).Scan(cmd.Context(), discoverDuration, cfg.Device.AllowList)
	progress.Stop()
	if err != nil {
		return err
	}

	nodes := make([]discoveredNode, 0, len(advs))
	for _, adv := range advs {
		if !discoverAll && adv.LocalName() != cfg.Device.Name {
			continue
		}
		nodes = append(nodes, discoveredNode{
			Name:     adv.LocalName(),
			Address:  adv.Addr(),
			RSSI:     adv.RSSI(),
			Services: adv.Services(),
		})
	}

	if discoverFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(nodes)
	}
	printNodeTable(out, nodes, cfg.Device.Name)
	return nil
}

func printNodeTable(out io.Writer, nodes []discoveredNode, nodeName string) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, warnColor.Sprint("No nodes found."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, n := range nodes {
		name := n.Name
		if name == "" {
			name = "-"
		}
		if name == nodeName {
			name = okColor.Sprint(name)
		}
		services := make([]string, 0, len(n.Services))
		for _, s := range n.Services {
			services = append(services, device.ShortenUUID(s))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, n.Address, n.RSSI, strings.Join(services, ","))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n%d node(s) found\n", len(nodes))
}
