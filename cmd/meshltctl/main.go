// Command meshltctl is a demonstration harness for pkg/lowertransport: it
// wires two instances together over an in-memory loopback network so a
// user can watch segmentation, reassembly and acknowledgment happen
// end-to-end, and prints either side's internal state as YAML.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/btmesh/lowertransport/pkg/lowertransport"
)

func main() {
	shutdown := setupTracing()
	defer shutdown(context.Background())

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupTracing registers a real SDK TracerProvider as the global one, so
// the spans pkg/lowertransport.startSpan opens are recorded and sampled
// by the SDK rather than handled by the no-op default. No span processor
// or exporter is attached here — there is nowhere in this demo harness to
// ship spans to — so finished spans go nowhere; a caller embedding this
// package in a service need only add sdktrace.WithBatcher(someExporter)
// to start exporting.
func setupTracing() func(context.Context) error {
	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		attribute.String("service.name", "meshltctl"),
	))
	if err != nil {
		res = sdkresource.Default()
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshltctl",
		Short: "Exercise the Bluetooth Mesh Lower Transport Layer over a loopback network",
	}
	root.AddCommand(newSendCmd())
	return root
}

// loggingUpper prints every delivery and send-completion it receives; it
// stands in for the Upper Transport layer this package would normally sit
// below.
type loggingUpper struct {
	name string
	lt   *lowertransport.LowerTransport
	done chan struct{}
}

func (u *loggingUpper) PDUReceived(ctx context.Context, pdu any, status lowertransport.Status) {
	color.New(color.FgGreen).Printf("[%s] received (%s): %#v\n", u.name, status, pdu)
	// This callback runs inside Dispatch with the instance's lock held;
	// releasing the PDU takes that lock, so it happens once Dispatch returns.
	go u.lt.MessageProcessedByHigherLayer(pdu)
	select {
	case u.done <- struct{}{}:
	default:
	}
}

func (u *loggingUpper) PDUSent(ctx context.Context, pdu any, status lowertransport.Status) {
	color.New(color.FgYellow).Printf("[%s] send completed (%s)\n", u.name, status)
	go u.lt.MessageProcessedByHigherLayer(pdu)
	select {
	case u.done <- struct{}{}:
	default:
	}
}

func newSendCmd() *cobra.Command {
	var payloadLen int
	var unicast bool

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message from node A to node B over a loopback network and dump both sides' state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return runSend(ctx, payloadLen, unicast)
		},
	}
	cmd.Flags().IntVar(&payloadLen, "payload-len", 40, "access payload length in bytes (always sent segmented, 12 bytes per segment)")
	cmd.Flags().BoolVar(&unicast, "unicast", true, "send to node B's unicast address rather than a group address")
	return cmd
}

const (
	nodeAAddress   = 0x0001
	nodeBAddress   = 0x0002
	groupAddress   = 0xC000
	demoNetKeyNID  = 0x00
	demoNetKeyNum  = 0
	demoNetKeyTTL  = 4
	demoNetKeyAKFA = 0x00
)

func runSend(ctx context.Context, payloadLen int, unicast bool) error {
	key := lowertransport.NetKey{Index: demoNetKeyNum, NID: demoNetKeyNID}

	netA := lowertransport.NewLoopbackNetwork(key)
	netB := lowertransport.NewLoopbackNetwork(key)

	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)

	cfg := lowertransport.DefaultConfig()
	upperA := &loggingUpper{name: "A", done: doneA}
	upperB := &loggingUpper{name: "B", done: doneB}
	ltA := lowertransport.New(netA, upperA, cfg)
	ltB := lowertransport.New(netB, upperB, cfg)
	defer ltA.Close()
	defer ltB.Close()
	upperA.lt, upperB.lt = ltA, ltB

	netA.Attach(ltA, ltB)
	netB.Attach(ltB, ltA)

	ltA.SetPrimaryElementAddress(nodeAAddress)
	ltB.SetPrimaryElementAddress(nodeBAddress)
	if err := ltA.Init(ctx); err != nil {
		return err
	}
	if err := ltB.Init(ctx); err != nil {
		return err
	}

	dst := uint16(groupAddress)
	if unicast {
		dst = nodeBAddress
	}

	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	seqZero := uint16(ltA.PeekSeq() & 0x1FFF)
	t := lowertransport.NewOutgoingTransportPDU(key.NID, demoNetKeyTTL, nodeAAddress, dst, demoNetKeyAKFA, seqZero, payload)
	t.NetKeyIndex = key.Index

	color.New(color.FgCyan, color.Bold).Println("== sending ==")
	ltA.SendSegmented(ctx, t)

	select {
	case <-doneB:
	case <-ctx.Done():
		return ctx.Err()
	}

	dumpState(ctx, "A", ltA)
	dumpState(ctx, "B", ltB)
	return nil
}

func dumpState(ctx context.Context, name string, lt *lowertransport.LowerTransport) {
	color.New(color.FgCyan, color.Bold).Printf("== node %s state ==\n", name)
	out, err := yaml.Marshal(lt.Dump(ctx))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}
