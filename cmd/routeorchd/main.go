// routeorchd is the route/next-hop-group/flow-counter/label-route/SRv6
// reconciliation daemon (spec.md §4.3-§4.6, §4.8-§4.10): it watches
// ROUTE_TABLE, NEXTHOP_GROUP_TABLE, LABEL_ROUTE_TABLE, FLOW_CNT_ROUTE_
// PATTERN, SRV6_SID_LIST_TABLE and SRV6_MY_SID_TABLE, reconciles them
// against a SAI backend, consumes the backend's result-notification channel
// into the ERROR_* tables, and publishes results on the app bus.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtron/pkg/bulker"
	"github.com/newtron-network/newtron/pkg/bus"
	"github.com/newtron-network/newtron/pkg/daemonflags"
	"github.com/newtron-network/newtron/pkg/engine"
	"github.com/newtron-network/newtron/pkg/enginesettings"
	"github.com/newtron-network/newtron/pkg/errororch"
	"github.com/newtron-network/newtron/pkg/flowcounterorch"
	"github.com/newtron-network/newtron/pkg/labelrouteorch"
	"github.com/newtron-network/newtron/pkg/nhgorch"
	"github.com/newtron-network/newtron/pkg/nhtypes"
	"github.com/newtron-network/newtron/pkg/restable"
	"github.com/newtron-network/newtron/pkg/routeorch"
	"github.com/newtron-network/newtron/pkg/saiapi"
	"github.com/newtron-network/newtron/pkg/saiapi/refimpl"
	"github.com/newtron-network/newtron/pkg/srv6orch"
	"github.com/newtron-network/newtron/pkg/util"
	"github.com/newtron-network/newtron/pkg/vlanorch"
)

// deviceMAC reads the switch's base MAC off the loopback-facing management
// port, the same /sys/class/net convention vlanorch itself uses for
// per-port flood-control files (spec.md §4.7 step 1's "once the device MAC
// is known").
func deviceMAC() (nhtypes.MacAddress, error) {
	raw, err := os.ReadFile("/sys/class/net/eth0/address")
	if err != nil {
		return nhtypes.MacAddress{}, err
	}
	return nhtypes.ParseMAC(strings.TrimSpace(string(raw)))
}

// bulkerVRFs implements srv6orch.VRFResolver over a dedicated
// saiapi.ObjectVRF bulker. VRF churn is low-volume compared to route or
// next-hop traffic, so unlike every other bulker in this daemon it flushes
// synchronously on every call rather than batching across a wake-up.
type bulkerVRFs struct {
	bulker  *bulker.Bulker
	backend *refimpl.Backend

	mu        sync.Mutex
	nameByID map[uint64]string
}

func (v *bulkerVRFs) Create(name string) (uint64, error) {
	v.bulker.CreateEntry(name, nil)
	if err := v.bulker.Flush(); err != nil {
		return 0, err
	}
	id := v.backend.ObjectID(saiapi.ObjectVRF, name)
	v.mu.Lock()
	v.nameByID[id] = name
	v.mu.Unlock()
	return id, nil
}

func (v *bulkerVRFs) Destroy(backendID uint64) error {
	v.mu.Lock()
	name := v.nameByID[backendID]
	delete(v.nameByID, backendID)
	v.mu.Unlock()
	if name == "" {
		return nil
	}
	v.bulker.RemoveEntry(name)
	return v.bulker.Flush()
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "routeorchd",
	Short: "Reconciles route, next-hop-group, label-route, SRv6 and flow-counter intent against a SAI backend",
	RunE:  run,
}

var flags *daemonflags.Flags

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/newtron/routeorchd.yaml", "engine settings file")
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
		return fmt.Errorf("routeorchd: load settings: %w", err)
	}

	clients := settings.NewClients(bus.ApplDB, bus.ConfigDB, bus.StateDB, bus.ErrorDB)
	orch := engine.NewOrch(clients)

	// A production build swaps refimpl.New for the real SAI binding; the
	// engine package depends only on saiapi.ResourceManager, so that swap
	// never touches this file's wiring below.
	backend := refimpl.New()
	tables := restable.New()

	routeBulker := bulker.New(saiapi.ObjectRoute, backend)
	groupBulker := bulker.New(saiapi.ObjectNextHopGroup, backend)
	memberBulker := bulker.New(saiapi.ObjectNextHopGroupMember, backend)
	labelRouteBulker := bulker.New(saiapi.ObjectLabelRoute, backend)
	counterBulker := bulker.New(saiapi.ObjectCounter, backend)
	sidListBulker := bulker.New(saiapi.ObjectSidList, backend)
	sidTunBulker := bulker.New(saiapi.ObjectSidTunnel, backend)
	mySidBulker := bulker.New(saiapi.ObjectMySid, backend)
	vrfBulker := bulker.New(saiapi.ObjectVRF, backend)

	nhg := nhgorch.New(tables, groupBulker, memberBulker)
	flow := flowcounterorch.New(routeBulker, counterBulker)
	vrfs := &bulkerVRFs{bulker: vrfBulker, backend: backend, nameByID: make(map[uint64]string)}

	// vlanorch is wired in-process, the way orchagent hosts every orch
	// module under one roof in the original_source, so routeorch.Interfaces
	// can resolve router-interface membership without a round trip through
	// the bus: cmd/vlanorchd remains available for a deployment that only
	// needs the VLAN/interface/switch surface on its own.
	vlan := vlanorch.New(tables, vlanorch.NewExecRunner(), vlanorch.NewFileSysfsWriter(), clients[bus.StateDB], clients[bus.ApplDB])
	if err := vlan.Init(); err != nil {
		return fmt.Errorf("routeorchd: vlanorch init: %w", err)
	}
	if mac, err := deviceMAC(); err != nil {
		util.Logger.Warnf("routeorchd: device MAC unknown, VLAN creation deferred: %v", err)
	} else {
		vlan.SwitchMAC = mac
		vlan.SwitchMACKnown = true
	}

	route := &routeorch.Reconciler{
		Tables:               tables,
		RouteBulker:          routeBulker,
		GroupBulker:          groupBulker,
		MemberBulker:         memberBulker,
		Interfaces:           vlan,
		NhgProvider:          nhg,
		FlowCounter:          flow,
		FlowCounterSupported: true,
	}

	labelRoute := &labelrouteorch.Reconciler{
		Tables:       tables,
		RouteBulker:  labelRouteBulker,
		GroupBulker:  groupBulker,
		MemberBulker: memberBulker,
		NhgProvider:  nhg,
	}

	srv6 := &srv6orch.Reconciler{
		Tables:        tables,
		SidListBulker: sidListBulker,
		SidTunBulker:  sidTunBulker,
		MySidBulker:   mySidBulker,
		VRFs:          vrfs,
	}

	errorBus := errororch.New(clients[bus.ErrorDB])
	errorBus.Register(routeorch.ErrorMapper{})

	if _, err := orch.AddConsumer(bus.ApplDB, "NEXTHOP_GROUP_TABLE", settings.TablePriorityFor("NEXTHOP_GROUP_TABLE"), engine.TaskHandlerFunc(nhg.DoTask)); err != nil {
		return fmt.Errorf("routeorchd: register NEXTHOP_GROUP_TABLE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ApplDB, "ROUTE_TABLE", settings.TablePriorityFor("ROUTE_TABLE"), route); err != nil {
		return fmt.Errorf("routeorchd: register ROUTE_TABLE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ApplDB, "LABEL_ROUTE_TABLE", settings.TablePriorityFor("LABEL_ROUTE_TABLE"), labelRoute); err != nil {
		return fmt.Errorf("routeorchd: register LABEL_ROUTE_TABLE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.StateDB, "FLOW_CNT_ROUTE_PATTERN", settings.TablePriorityFor("FLOW_CNT_ROUTE_PATTERN"), engine.TaskHandlerFunc(flow.DoTask)); err != nil {
		return fmt.Errorf("routeorchd: register FLOW_CNT_ROUTE_PATTERN: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ApplDB, "SRV6_SID_LIST_TABLE", settings.TablePriorityFor("SRV6_SID_LIST_TABLE"), engine.TaskHandlerFunc(srv6.DoSidListTask)); err != nil {
		return fmt.Errorf("routeorchd: register SRV6_SID_LIST_TABLE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ApplDB, "SRV6_MY_SID_TABLE", settings.TablePriorityFor("SRV6_MY_SID_TABLE"), engine.TaskHandlerFunc(srv6.DoMySidTask)); err != nil {
		return fmt.Errorf("routeorchd: register SRV6_MY_SID_TABLE: %w", err)
	}

	// VLAN before members before IPs before switch flood (spec.md §4.7's
	// sequencing), expressed as descending static priority.
	if _, err := orch.AddConsumer(bus.ConfigDB, "VLAN", 40, engine.TaskHandlerFunc(vlan.DoVlanTask)); err != nil {
		return fmt.Errorf("routeorchd: register VLAN: %w", err)
	}
	memberConsumer, err := orch.AddConsumer(bus.ConfigDB, "VLAN_MEMBER", 30, engine.TaskHandlerFunc(vlan.DoVlanMemberTask))
	if err != nil {
		return fmt.Errorf("routeorchd: register VLAN_MEMBER: %w", err)
	}
	vlan.MemberConsumer = memberConsumer
	if _, err := orch.AddConsumer(bus.ConfigDB, "INTERFACE", 20, engine.TaskHandlerFunc(vlan.DoInterfaceTask)); err != nil {
		return fmt.Errorf("routeorchd: register INTERFACE: %w", err)
	}
	if _, err := orch.AddConsumer(bus.ConfigDB, "SWITCH", 10, engine.TaskHandlerFunc(vlan.DoSwitchTask)); err != nil {
		return fmt.Errorf("routeorchd: register SWITCH: %w", err)
	}

	if flags.Recording() {
		if err := orch.EnableRecording(flags.RecordDir); err != nil {
			return fmt.Errorf("routeorchd: enable recording: %w", err)
		}
	}

	for _, table := range []string{"VLAN", "VLAN_MEMBER", "INTERFACE", "SWITCH", "NEXTHOP_GROUP_TABLE", "ROUTE_TABLE", "LABEL_ROUTE_TABLE", "FLOW_CNT_ROUTE_PATTERN", "SRV6_SID_LIST_TABLE", "SRV6_MY_SID_TABLE"} {
		if err := orch.SyncFromTable(table); err != nil {
			util.WithField("table", table).Warnf("routeorchd: startup sync: %v", err)
		}
	}

	seedBootstrapRoutes(vlan.SwitchMAC, vlan.SwitchMACKnown)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		util.Logger.Infof("routeorchd: shutting down")
		close(stop)
	}()

	promoteStop := make(chan struct{})
	go runPromotions(flow, promoteStop)
	defer close(promoteStop)

	errSub := clients[bus.ErrorDB].Raw().Subscribe(clients[bus.ErrorDB].Context(), errororch.NotificationChannel, errororch.FlushChannel)
	go runErrorBus(errorBus, errSub, stop)
	defer errSub.Close()

	selector := engine.NewSelector(orch, settings.SelectTimeout)
	if err := selector.Run(stop); err != nil {
		return fmt.Errorf("routeorchd: selector: %w", err)
	}
	return orch.Close()
}

// seedBootstrapRoutes logs the default/link-local routes this daemon
// expects to see on ROUTE_TABLE (spec.md §4.4's bootstrap set); the table
// itself is populated by the control-plane app that owns ROUTE_TABLE
// writes, not by this daemon directly.
func seedBootstrapRoutes(mac nhtypes.MacAddress, macKnown bool) {
	for _, p := range routeorch.DefaultRoutes() {
		util.WithField("prefix", p.String()).Debugf("routeorchd: default route expected on ROUTE_TABLE")
	}
	if !macKnown {
		return
	}
	prefixes, err := routeorch.LinkLocalBootstrapPrefixes(mac)
	if err != nil {
		util.Logger.Warnf("routeorchd: link-local bootstrap prefixes: %v", err)
		return
	}
	for _, p := range prefixes {
		util.WithField("prefix", p.String()).Debugf("routeorchd: link-local to-CPU route expected on ROUTE_TABLE")
	}
}

// runPromotions drives the flow-counter binding promotion sweep on the
// engine-wide period (spec.md §4.6) until stop is closed.
func runPromotions(flow *flowcounterorch.Reconciler, stop <-chan struct{}) {
	ticker := time.NewTicker(flowcounterorch.PromotionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flow.Promote()
		case <-stop:
			return
		}
	}
}

// runErrorBus drains the backend's result-notification pub/sub (spec.md
// §4.8) until stop is closed, routing each message to the error-bus
// reconciler by channel. Mirrors the keyspace-subscriber Channel() loop in
// pkg/bus/source.go: a bad or unresolvable notification is logged and
// skipped rather than killing the daemon.
func runErrorBus(r *errororch.Reconciler, sub *redis.PubSub, stop <-chan struct{}) {
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var err error
			switch msg.Channel {
			case errororch.NotificationChannel:
				err = r.HandleNotification(msg.Payload)
			case errororch.FlushChannel:
				err = r.Flush(msg.Payload)
			}
			if err != nil {
				util.WithField("channel", msg.Channel).Warnf("routeorchd: error bus: %v", err)
			}
		case <-stop:
			return
		}
	}
}
