package bthald

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"bthal.co/bthal"
)

var (
	resetCommand          = bthal.NewPacket(bthal.PacketTypeCommand, []byte{0x03, 0x0c, 0x00})
	resetComplete         = bthal.PacketFromBytes([]byte{0x04, 0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00})
	leHostSupportCommand  = bthal.NewPacket(bthal.PacketTypeCommand, []byte{0x6d, 0x0c, 0x02, 0x01, 0x00})
	leHostSupportComplete = bthal.PacketFromBytes([]byte{0x04, 0x0e, 0x04, 0x01, 0x6d, 0x0c, 0x00})
)

//	testClient answers every packet with a fixed mode and counts its
//	lifecycle hooks.
type testClient struct {
	mode bthal.MonitorMode

	mu       sync.Mutex
	packets  []bthal.Packet
	ready    int
	closed   int
	enabled  int
	disabled int
}

func (c *testClient) OnCommandCallback(packet bthal.Packet) {}

func (c *testClient) OnPacketCallback(packet bthal.Packet) bthal.MonitorMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, packet)
	return c.mode
}

func (c *testClient) OnHalStateChanged(newState, oldState bthal.HalState) {}

func (c *testClient) OnBluetoothChipReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready++
}

func (c *testClient) OnBluetoothChipClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *testClient) OnBluetoothEnabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled++
}

func (c *testClient) OnBluetoothDisabled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled++
}

func (c *testClient) enabledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *testClient) packetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func TestRouterInitializeReachesRunning(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)
	if !harness.agent.IsBluetoothChipReady() {
		t.Fatal("chip not ready in Running")
	}
	if harness.agent.IsBluetoothEnabled() {
		t.Fatal("enabled before HCI_RESET")
	}
}

func TestRouterSendDataGoesStraightToTransport(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	acl := bthal.NewPacket(bthal.PacketTypeAclData, []byte{0x23, 0x01, 0x02, 0x00, 0xaa, 0xbb})
	if !harness.router.Send(acl) {
		t.Fatal("send failed")
	}
	sent := harness.waitForSent(t, 1)
	if !bytes.Equal(sent[0], acl) {
		t.Fatal("wrong bytes on transport")
	}
}

//	Command flow control: the second command is released only after the
//	first one's completion event is consumed, and the completion marks
//	Bluetooth enabled.
func TestRouterCommandFlowControl(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	client := &testClient{mode: bthal.MonitorModeNone}
	harness.agent.Register(client)

	var mu sync.Mutex
	var order []uint16
	handler := func(event bthal.Packet) {
		mu.Lock()
		order = append(order, event.CommandOpcodeFromGeneratedEvent())
		mu.Unlock()
	}

	if !harness.router.SendCommand(resetCommand, handler) {
		t.Fatal("send reset failed")
	}
	if !harness.router.SendCommand(leHostSupportCommand, handler) {
		t.Fatal("send le host support failed")
	}

	sent := harness.waitForSent(t, 1)
	time.Sleep(50 * time.Millisecond)
	sent = harness.transport.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("%d packets on transport while command outstanding, want 1", len(sent))
	}
	if !bytes.Equal(sent[0], resetCommand) {
		t.Fatal("first packet is not the reset command")
	}

	harness.transport.inject(resetComplete)

	sent = harness.waitForSent(t, 2)
	if !bytes.Equal(sent[1], leHostSupportCommand) {
		t.Fatal("second packet is not the queued command")
	}
	waitFor(t, "bluetooth enabled", func() bool { return client.enabledCount() == 1 })

	harness.transport.inject(leHostSupportComplete)
	waitFor(t, "both handlers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != bthal.OpcodeHciReset || order[1] != bthal.OpcodeWriteLeHostSupport {
		t.Fatalf("handlers fired out of order: %04x", order)
	}
}

//	An unexpected completion event is delivered to the stack and leaves
//	the queue undisturbed.
func TestRouterUnexpectedCompletionDeliveredToStack(t *testing.T) {
	harness := newRouterHarness(t, nil)
	recorder := harness.startRunning(t)

	handled := make(chan struct{}, 1)
	harness.router.SendCommand(resetCommand, func(bthal.Packet) { handled <- struct{}{} })
	harness.waitForSent(t, 1)

	//	completion for a command that was never sent
	harness.transport.inject(leHostSupportComplete)
	waitFor(t, "stack delivery", func() bool { return recorder.packetCount() == 1 })

	select {
	case <-handled:
		t.Fatal("handler fired for mismatched completion")
	default:
	}

	//	the queued entry is still live
	harness.transport.inject(resetComplete)
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never fired after the matching completion")
	}
}

func TestRouterClientInterceptPreventsStackDelivery(t *testing.T) {
	harness := newRouterHarness(t, nil)
	recorder := harness.startRunning(t)

	client := &testClient{mode: bthal.MonitorModeIntercept}
	harness.agent.Register(client)

	event := bthal.PacketFromBytes([]byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	harness.router.SendPacketToStack(event)

	waitFor(t, "client saw the packet", func() bool { return client.packetCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if recorder.packetCount() != 0 {
		t.Fatal("stack callback invoked despite intercept")
	}
}

func TestRouterMonitorModeDoesNotSuppressStackDelivery(t *testing.T) {
	harness := newRouterHarness(t, nil)
	recorder := harness.startRunning(t)

	harness.agent.Register(&testClient{mode: bthal.MonitorModeMonitor})
	harness.agent.Register(&testClient{mode: bthal.MonitorModeNone})

	event := bthal.PacketFromBytes([]byte{0x04, 0x13, 0x05, 0x01, 0x23, 0x01, 0x01, 0x00})
	harness.router.SendPacketToStack(event)
	waitFor(t, "stack delivery", func() bool { return recorder.packetCount() == 1 })
}

type monitorClient struct {
	*RouterClient
}

//	A client intercepting a completion event suppresses the handler but
//	still pops the queue entry.
func TestRouterInterceptedCompletionStillPopsQueue(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	interceptor := &monitorClient{NewRouterClient(harness.router)}
	interceptor.RegisterMonitor(bthal.CommandCompleteMonitor{
		Opcode:      bthal.OpcodeHciReset,
		MonitorMode: bthal.MonitorModeIntercept,
	})
	harness.agent.Register(interceptor)

	resetHandled := make(chan struct{}, 1)
	leHandled := make(chan struct{}, 1)
	harness.router.SendCommand(resetCommand, func(bthal.Packet) { resetHandled <- struct{}{} })
	harness.router.SendCommand(leHostSupportCommand, func(bthal.Packet) { leHandled <- struct{}{} })
	harness.waitForSent(t, 1)

	harness.transport.inject(resetComplete)

	//	queue pops: the second command reaches the transport
	sent := harness.waitForSent(t, 2)
	if !bytes.Equal(sent[1], leHostSupportCommand) {
		t.Fatal("queued command not released")
	}
	select {
	case <-resetHandled:
		t.Fatal("intercepted handler fired")
	default:
	}

	harness.transport.inject(leHostSupportComplete)
	select {
	case <-leHandled:
	case <-time.After(5 * time.Second):
		t.Fatal("second handler never fired")
	}
}

func TestRouterSendCommandNoAckBypassesQueue(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	harness.router.SendCommand(resetCommand, func(bthal.Packet) {})
	harness.waitForSent(t, 1)

	noAck := bthal.NewPacket(bthal.PacketTypeCommand, []byte{0x53, 0xfd, 0x00})
	harness.router.SendCommandNoAck(noAck)

	sent := harness.waitForSent(t, 2)
	if !bytes.Equal(sent[1], noAck) {
		t.Fatal("no-ack command did not bypass the queue")
	}
}

//	The vendor debug-info opcode ignores the command credit, so
//	SendCommand must route it around the queue.
func TestRouterDebugInfoOpcodeSkipsQueue(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	harness.router.SendCommand(resetCommand, func(bthal.Packet) {})
	harness.waitForSent(t, 1)

	debugInfo := bthal.NewPacket(bthal.PacketTypeCommand, []byte{0x5b, 0xfd, 0x00})
	harness.router.SendCommand(debugInfo, func(bthal.Packet) {})

	sent := harness.waitForSent(t, 2)
	if !bytes.Equal(sent[1], debugInfo) {
		t.Fatal("debug info command was queued")
	}
}

func TestRouterRejectsUnknownPacketType(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	if harness.router.Send(bthal.PacketFromBytes([]byte{0x99, 0x01, 0x02})) {
		t.Fatal("unknown packet type accepted")
	}
	time.Sleep(20 * time.Millisecond)
	if len(harness.transport.sentPackets()) != 0 {
		t.Fatal("rejected packet reached the transport")
	}
}

func TestRouterSendPacketToStack(t *testing.T) {
	harness := newRouterHarness(t, nil)
	recorder := harness.startRunning(t)

	event := bthal.PacketFromBytes([]byte{0x04, 0x13, 0x05, 0x01, 0x23, 0x01, 0x01, 0x00})
	harness.router.SendPacketToStack(event)
	waitFor(t, "injected packet", func() bool { return recorder.packetCount() == 1 })
}

func TestRouterInvalidTransitionIsCoerced(t *testing.T) {
	harness := newRouterHarness(t, nil)

	var violations int
	harness.router.fatalf = func(format string, args ...interface{}) { violations++ }

	//	Shutdown -> Running is not in the allowed table
	harness.router.UpdateHalState(bthal.HalStateRunning)
	if violations != 1 {
		t.Fatal("state machine violation not reported")
	}
	if harness.router.HalState() != bthal.HalStateShutdown {
		t.Fatal("state not coerced to Shutdown")
	}
}

func TestRouterTransportClosedDropsToShutdown(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	harness.router.OnTransportClosed()
	waitFor(t, "shutdown", func() bool {
		return harness.router.HalState() == bthal.HalStateShutdown
	})
}

func TestRouterDoubleInitializeReturnsFalse(t *testing.T) {
	harness := newRouterHarness(t, nil)
	recorder := harness.startRunning(t)

	if harness.router.Initialize(recorder) {
		t.Fatal("second initialize while Running succeeded")
	}
}

func TestRouterHciBusyVotedWhileCommandOutstanding(t *testing.T) {
	harness := newRouterHarness(t, nil)
	harness.startRunning(t)

	done := make(chan struct{}, 1)
	harness.router.SendCommand(resetCommand, func(bthal.Packet) { done <- struct{}{} })
	harness.waitForSent(t, 1)
	waitFor(t, "HciBusy vote", func() bool {
		return harness.wakelock.IsWakeSourceAcquired(WakeSourceHciBusy)
	})

	harness.transport.inject(resetComplete)
	<-done
	waitFor(t, "HciBusy release", func() bool {
		return !harness.wakelock.IsWakeSourceAcquired(WakeSourceHciBusy)
	})
}
