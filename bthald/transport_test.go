package bthald

import (
	"testing"

	"bthal.co/bthal"
)

func newTestRegistry(priority ...int) *TransportRegistry {
	cfg := bthal.DefaultConfig()
	if len(priority) > 0 {
		cfg.TransportPriority = priority
	}
	return NewTransportRegistry(cfg, func() TransportI {
		return newMockTransport(TransportTypeUartH4)
	}, testLogger())
}

func TestRegistryFallsBackToUartH4(t *testing.T) {
	registry := newTestRegistry(150)
	transport := registry.GetTransport()
	if transport.Type() != TransportTypeUartH4 {
		t.Fatal("no fallback to UartH4")
	}
	if registry.CurrentType() != TransportTypeUartH4 {
		t.Fatal("current type not updated")
	}
}

func TestRegistryPicksHighestPriorityVendor(t *testing.T) {
	registry := newTestRegistry(120, 1)
	vendor := newMockTransport(TransportType(120))
	if !registry.RegisterVendorTransport(vendor) {
		t.Fatal("vendor registration failed")
	}
	if registry.GetTransport() != vendor {
		t.Fatal("vendor transport not selected")
	}
}

func TestRegistryRejectsNilAndOutOfRangeVendors(t *testing.T) {
	registry := newTestRegistry()
	if registry.RegisterVendorTransport(nil) {
		t.Fatal("nil transport registered")
	}
	if registry.RegisterVendorTransport(newMockTransport(TransportTypeUartH4)) {
		t.Fatal("non-vendor type registered as vendor")
	}
	if registry.RegisterVendorTransport(newMockTransport(TransportType(200))) {
		t.Fatal("out-of-range vendor type registered")
	}
}

func TestRegistryForbidsUnregisteringActiveTransport(t *testing.T) {
	registry := newTestRegistry(100)
	vendor := newMockTransport(TransportType(100))
	registry.RegisterVendorTransport(vendor)
	registry.GetTransport()

	if registry.UnregisterVendorTransport(TransportType(100)) {
		t.Fatal("active vendor transport unregistered")
	}

	registry.CleanupTransport()
	if !registry.UnregisterVendorTransport(TransportType(100)) {
		t.Fatal("parked vendor transport could not be unregistered")
	}
}

func TestRegistryForbidsReplacingActiveTransport(t *testing.T) {
	registry := newTestRegistry(100)
	vendor := newMockTransport(TransportType(100))
	registry.RegisterVendorTransport(vendor)
	registry.GetTransport()

	if registry.RegisterVendorTransport(newMockTransport(TransportType(100))) {
		t.Fatal("active vendor transport replaced")
	}
}

func TestRegistryCleanupParksVendorTransport(t *testing.T) {
	registry := newTestRegistry(100)
	vendor := newMockTransport(TransportType(100))
	registry.RegisterVendorTransport(vendor)
	first := registry.GetTransport()
	registry.CleanupTransport()

	if registry.CurrentType() != TransportTypeUnknown {
		t.Fatal("current type not reset")
	}
	//	the same instance comes back on re-activation
	if registry.GetTransport() != first {
		t.Fatal("vendor transport instance not reused")
	}
}

func TestRegistryNotifiesSubscribersOnceDistinctState(t *testing.T) {
	registry := newTestRegistry(100)
	vendor := newMockTransport(TransportType(100))
	registry.RegisterVendorTransport(vendor)
	registry.GetTransport()

	subscriber := newMockTransport(TransportType(101))
	registry.Subscribe(subscriber)

	registry.NotifyHalStateChange(bthal.HalStateInit)
	registry.NotifyHalStateChange(bthal.HalStateInit)
	registry.NotifyHalStateChange(bthal.HalStateFirmwareDownloading)

	subscriber.mu.Lock()
	subscriberStates := append([]bthal.HalState(nil), subscriber.states...)
	subscriber.mu.Unlock()
	if len(subscriberStates) != 2 {
		t.Fatalf("subscriber notified %d times, want 2", len(subscriberStates))
	}

	vendor.mu.Lock()
	vendorStates := append([]bthal.HalState(nil), vendor.states...)
	vendor.mu.Unlock()
	if len(vendorStates) != 2 {
		t.Fatalf("active transport notified %d times, want 2", len(vendorStates))
	}

	registry.Unsubscribe(subscriber)
	registry.NotifyHalStateChange(bthal.HalStateFirmwareDownloadCompleted)
	subscriber.mu.Lock()
	finalCount := len(subscriber.states)
	subscriber.mu.Unlock()
	if finalCount != 2 {
		t.Fatal("unsubscribed subscriber still notified")
	}
}

func TestRegistryRouterBusyFlag(t *testing.T) {
	registry := newTestRegistry()
	registry.SetRouterBusy(true)
	if !registry.IsRouterBusy() {
		t.Fatal("busy flag not set")
	}
	registry.SetRouterBusy(false)
	if registry.IsRouterBusy() {
		t.Fatal("busy flag not cleared")
	}
}
