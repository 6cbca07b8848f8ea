package bthald

import (
	"testing"

	"bthal.co/bthal"
)

func TestDaemonBringUpAndTearDown(t *testing.T) {
	cfg := bthal.DefaultConfig()
	cfg.SnoopLogEnabled = false
	//	keep teardown off the real sysfs nodes
	cfg.WakeLockNode = "/dev/null"
	cfg.WakeUnlockNode = "/dev/null"

	daemon, err := NewDaemon(cfg, testLogger())
	if err != nil {
		t.Fatal("daemon construction failed:", err)
	}
	if daemon.Service() == nil || daemon.Router() == nil || daemon.Activities() == nil ||
		daemon.ClientAgent() == nil || daemon.Wakelock() == nil ||
		daemon.Provisioner() == nil || daemon.Registry() == nil {
		t.Fatal("daemon wiring incomplete")
	}
	if daemon.Router().HalState() != bthal.HalStateShutdown {
		t.Fatal("router not in Shutdown before start")
	}
	daemon.Stop()
}
