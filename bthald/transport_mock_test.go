package bthald

import (
	"sync"
	"testing"
	"time"

	"bthal.co/bthal"
)

//	mockTransport records outgoing packets and lets tests inject inbound
//	traffic through the router callback.
type mockTransport struct {
	mu            sync.Mutex
	transportType TransportType
	callback      TransportCallbackI
	sent          []bthal.Packet
	active        bool
	sendResult    bool
	states        []bthal.HalState
}

func newMockTransport(transportType TransportType) *mockTransport {
	return &mockTransport{
		transportType: transportType,
		sendResult:    true,
	}
}

func (m *mockTransport) Initialize(callback TransportCallbackI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = callback
	m.active = true
	return nil
}

func (m *mockTransport) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

func (m *mockTransport) Send(packet bthal.Packet) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sendResult {
		return false
	}
	m.sent = append(m.sent, packet)
	return true
}

func (m *mockTransport) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *mockTransport) Type() TransportType { return m.transportType }

func (m *mockTransport) NotifyHalStateChange(state bthal.HalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *mockTransport) sentPackets() []bthal.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bthal.Packet(nil), m.sent...)
}

func (m *mockTransport) inject(packet bthal.Packet) {
	m.mu.Lock()
	callback := m.callback
	m.mu.Unlock()
	callback.OnTransportPacketReady(packet)
}

//	fakeChipDriver walks the firmware states without any chip traffic.
type fakeChipDriver struct {
	onHalState func(bthal.HalState)
}

func (d *fakeChipDriver) Initialize(onHalStateUpdate func(bthal.HalState)) {
	d.onHalState = onHalStateUpdate
}

func (d *fakeChipDriver) DownloadFirmware() bool {
	for _, state := range []bthal.HalState{
		bthal.HalStatePreFirmwareDownload,
		bthal.HalStateFirmwareDownloading,
		bthal.HalStateFirmwareDownloadCompleted,
		bthal.HalStateFirmwareReady,
		bthal.HalStateBtChipReady,
	} {
		d.onHalState(state)
	}
	return true
}

func (d *fakeChipDriver) ResetFirmware() bool {
	d.onHalState(bthal.HalStateBtChipReady)
	return true
}

//	routerCallbackRecorder is a stack-side recorder.
type routerCallbackRecorder struct {
	mu             sync.Mutex
	commandEvents  []bthal.Packet
	packets        []bthal.Packet
	stateChanges   [][2]bthal.HalState
}

func (r *routerCallbackRecorder) OnCommandCallback(packet bthal.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commandEvents = append(r.commandEvents, packet)
}

func (r *routerCallbackRecorder) OnPacketCallback(packet bthal.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, packet)
}

func (r *routerCallbackRecorder) OnHalStateChanged(newState, oldState bthal.HalState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChanges = append(r.stateChanges, [2]bthal.HalState{newState, oldState})
}

func (r *routerCallbackRecorder) packetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *routerCallbackRecorder) commandEventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commandEvents)
}

const testVendorTransportType = TransportTypeVendorStart

//	routerHarness wires a router against the mock transport and the
//	fake chip driver.
type routerHarness struct {
	cfg       *bthal.Config
	router    *Router
	agent     *ClientAgent
	transport *mockTransport
	wakelock  *Wakelock
	kernel    *fakeKernelLocker
	snoop     *SnoopRecorder
}

func newRouterHarness(t *testing.T, mutate func(cfg *bthal.Config)) *routerHarness {
	t.Helper()
	log := testLogger()

	cfg := bthal.DefaultConfig()
	cfg.TransportPriority = []int{int(testVendorTransportType)}
	cfg.SnoopLogEnabled = false
	if mutate != nil {
		mutate(cfg)
	}

	timers := newTestTimerService(t)
	watchdog := newWatchdogWithInterval(time.Hour, log)
	watchdog.fatal = func(WakeSource, string) {}
	t.Cleanup(watchdog.Close)

	kernel := &fakeKernelLocker{}
	wakelock := NewWakelock(kernel, watchdog, timers, log)
	agent := NewClientAgent(log)
	agent.fatalf = func(format string, args ...interface{}) {}
	snoop := NewSnoopRecorder(cfg, log)
	t.Cleanup(snoop.Close)

	transport := newMockTransport(testVendorTransportType)
	registry := NewTransportRegistry(cfg, func() TransportI {
		return newMockTransport(TransportTypeUartH4)
	}, log)
	if !registry.RegisterVendorTransport(transport) {
		t.Fatal("cannot register mock transport")
	}

	router := NewRouter(cfg, agent, registry, snoop, wakelock, log)
	router.fatalf = func(format string, args ...interface{}) {}
	provisioner := NewProvisioner(func() ChipDriverI { return &fakeChipDriver{} }, log)
	router.BindProvisioner(provisioner)
	t.Cleanup(provisioner.Stop)
	t.Cleanup(router.Cleanup)

	return &routerHarness{
		cfg:       cfg,
		router:    router,
		agent:     agent,
		transport: transport,
		wakelock:  wakelock,
		kernel:    kernel,
		snoop:     snoop,
	}
}

//	startRunning initializes the router with the recorder as the stack
//	callback and waits for the Running state.
func (h *routerHarness) startRunning(t *testing.T) *routerCallbackRecorder {
	t.Helper()
	recorder := &routerCallbackRecorder{}
	if !h.router.Initialize(recorder) {
		t.Fatal("router initialize failed")
	}
	waitFor(t, "Running state", func() bool {
		return h.router.HalState() == bthal.HalStateRunning
	})
	return recorder
}

func (h *routerHarness) waitForSent(t *testing.T, count int) []bthal.Packet {
	t.Helper()
	waitFor(t, "packets on the transport", func() bool {
		return len(h.transport.sentPackets()) >= count
	})
	return h.transport.sentPackets()
}
