// vpcictl manages passthrough topologies for the vpci device model: it
// validates and lists topology files and moves physical functions between
// their host driver and vfio-pci.
//
// Usage:
//
//	vpcictl list --config topology.yaml
//	vpcictl validate --config topology.yaml
//	vpcictl bind --device 0000:01:00.0
//	vpcictl unbind --device 0000:01:00.0
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/virtforge/vpci/internal/config"
	"github.com/virtforge/vpci/internal/iommu"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "vpcictl",
		Short:         "PCI passthrough topology tool",
		Long:          "Validates passthrough topologies and prepares physical PCI functions for guest assignment.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			slog.SetLogLoggerLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newListCmd(),
		newValidateCmd(),
		newBindCmd(),
		newUnbindCmd(),
		newVersionCmd(),
	)

	return root
}

func newListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the devices a topology binds",
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if len(topology.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices in topology.")
				return nil
			}

			table := tablewriter.NewTable(cmd.OutOrStdout())
			table.Header("HOST ADDRESS", "VIRTUAL SLOT", "BARS")
			for i := range topology.Devices {
				dev := &topology.Devices[i]
				table.Append(dev.Address,
					fmt.Sprintf("00:%02x.%x", dev.Slot, dev.Function),
					formatBARs(dev))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Topology file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func formatBARs(dev *config.Device) string {
	if len(dev.BARs) == 0 {
		return "(none)"
	}
	out := ""
	for idx, bar := range dev.BARs {
		if idx > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d: 0x%x bytes @ 0x%x", idx, bar.Size, bar.HostBase)
	}
	return out
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology file",
		RunE: func(cmd *cobra.Command, args []string) error {
			topology, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := topology.Validate(); err != nil {
				return fmt.Errorf("topology invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Topology OK: %d device(s) for VM %d\n",
				len(topology.Devices), topology.VMID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Topology file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newBindCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind a physical function to vfio-pci",
		RunE: func(cmd *cobra.Command, args []string) error {
			binder := iommu.NewSysfsBinder(slog.Default())
			if err := binder.Bind(device); err != nil {
				return err
			}
			group, err := binder.GroupDevicePath(device)
			if err != nil {
				slog.Warn("bound, but VFIO group node missing", "device", device, "err", err)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready via %s\n", device, group)
			return nil
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "PCI address, e.g. 0000:01:00.0 (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newUnbindCmd() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "unbind",
		Short: "Unbind a physical function from vfio-pci",
		RunE: func(cmd *cobra.Command, args []string) error {
			binder := iommu.NewSysfsBinder(slog.Default())
			return binder.Unbind(device)
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "PCI address, e.g. 0000:01:00.0 (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vpcictl %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
