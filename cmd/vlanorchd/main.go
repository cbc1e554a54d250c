// vlanorchd is the standalone VLAN/interface/switch reconciliation daemon
// (spec.md §4.7): it drives Linux bridge, VLAN-member, IP-address and
// flood-control intent on its own, for a deployment that does not need
// route redistribution in the same process as cmd/routeorchd.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/daemonflags"
	"github.com/newtron-network/newtron/pkg/engine"
	"github.com/newtron-network/newtron/pkg/enginesettings"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/util"
	"github.com/newtron-network/newtron/pkg/vlanorch"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vlanorchd",
	Short: "Reconciles VLAN, VLAN-member, interface and switch flood-control intent into the kernel",
	RunE:  run,
}

var flags *daemonflags.Flags

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/newtron/vlanorchd.yaml", "engine settings file")
	flags = daemonflags.Add(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := enginesettings.Load(configPath)
	if err != nil {
		return fmt.Errorf("vlanorchd: load settings: %w", err)
	}

	clients := settings.NewClients(bus.ConfigDB, bus.StateDB, bus.ApplDB)
	orch := engine.NewOrch(clients)

	tables := restable.New()
	vlan := vlanorch.New(tables, vlanorch.NewExecRunner(), vlanorch.NewFileSysfsWriter(), clients[bus.StateDB], clients[bus.ApplDB])
	if err := vlan.Init(); err != nil {
		return fmt.Errorf("vlanorchd: init: %w", err)
	}
	if mac, err := deviceMAC(); err != nil {
		util.Logger.Warnf("vlanorchd: device MAC unknown, VLAN creation deferred: %v", err)
	} else {
		vlan.SwitchMAC = mac
		vlan.SwitchMACKnown = true
	}

	if _, err := orch.AddConsumer(bus.ConfigDB, "VLAN", 40, engine.TaskHandlerFunc(vlan.DoVlanTask)); err != nil {
		return fmt.Errorf("vlanorchd: register VLAN: %w", err)
	}
	memberConsumer, err := orch.AddConsumer(bus.ConfigDB, "VLAN_MEMBER", 30, engine.TaskHandlerFunc(vlan.DoVlanMemberTask))
	if err != nil {
		return fmt.Errorf("vlanorchd: register VLAN_MEMBER: %w", err)
	}
	vlan.MemberConsumer = memberConsumer
	if _, err := orch.AddConsumer(bus.ConfigDB, "INTERFACE", 20, engine.TaskHandlerFunc(vlan.DoInterfaceTask)); err != nil {
		return fmt.Errorf("vlanorchd: register INTERFACE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ConfigDB, "SWITCH", 10, engine.TaskHandlerFunc(vlan.DoSwitchTask)); err != nil {
		return fmt.Errorf("vlanorchd: register SWITCH: %w", err)
	}

	if flags.Recording() {
		if err := orch.EnableRecording(flags.RecordDir); err != nil {
			return fmt.Errorf("vlanorchd: enable recording: %w", err)
		}
	}

	for _, table := range []string{"VLAN", "VLAN_MEMBER", "INTERFACE", "SWITCH"} {
		if err := orch.SyncFromTable(table); err != nil {
			util.WithField("table", table).Warnf("vlanorchd: startup sync: %v", err)
		}
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		util.Logger.Infof("vlanorchd: shutting down")
		close(stop)
	}()

	selector := engine.NewSelector(orch, settings.SelectTimeout)
	if err := selector.Run(stop); err != nil {
		return fmt.Errorf("vlanorchd: selector: %w", err)
	}
	return orch.Close()
}

// deviceMAC reads the switch's base MAC the same way cmd/routeorchd does
// when it hosts vlanorch in-process.
func deviceMAC() (nhtypes.MacAddress, error) {
	raw, err := os.ReadFile("/sys/class/net/eth0/address")
	if err != nil {
		return nhtypes.MacAddress{}, err
	}
	return nhtypes.ParseMAC(strings.TrimSpace(string(raw)))
}
