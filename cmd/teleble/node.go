package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/devicefactory"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/pkg/config"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	keyColor  = color.New(color.FgCyan)
)

// addNodeFlags registers the flags that select a node and override the config file.
func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "Advertised name of the node (default from config: teleinfo)")
	cmd.Flags().StringSlice("allow", nil, "Only accept nodes with these addresses")
	cmd.Flags().Duration("timeout", 0, "Discovery timeout (default from config: 30s)")
	cmd.Flags().Bool("verbose", false, "Enable debug logging")
}

// loadConfig reads --config and applies the node flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("name"); f != nil && f.Changed {
		cfg.Device.Name = f.Value.String()
	}
	if cmd.Flags().Changed("allow") {
		cfg.Device.AllowList, _ = cmd.Flags().GetStringSlice("allow")
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Device.ScanTimeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connectNode discovers the configured node, connects and discovers its
// profile. On success the session is Ready; the caller owns Close.
func connectNode(ctx context.Context, cfg *config.Config, logger *logrus.Logger, progress func(string)) (*session.Session, error) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("Scanning")
	sess, err := devicefactory.NewDiscovery(logger).Discover(ctx, cfg.DiscoveryOptions())
	if err != nil {
		return nil, err
	}

	progress("Connecting")
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}

	progress("Discovering services")
	if _, _, err := sess.DiscoverServicesAndCharacteristics(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}
	progress("Ready")
	return sess, nil
}

// stateColor picks the color a lifecycle state is printed in.
func stateColor(st session.State) *color.Color {
	switch st {
	case session.Ready, session.Connected:
		return okColor
	case session.Dropped:
		return errColor
	case session.Disconnected:
		return keyColor
	default:
		return warnColor
	}
}

func timestamp() string {
	return time.Now().Format(time.TimeOnly)
}

func formatState(from, to session.State) string {
	return fmt.Sprintf("%s state %s -> %s", timestamp(), from, stateColor(to).Sprint(to))
}
