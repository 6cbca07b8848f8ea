package bthald

import (
	"github.com/op/go-logging"

	"bthal.co/bthal"
)

//	Daemon wires the process-wide collaborators together in a defined
//	order during bring-up and tears them down in reverse. Nothing here
//	is lazily constructed from arbitrary goroutines.
type Daemon struct {
	cfg *bthal.Config
	log *logging.Logger

	timers      *TimerService
	watchdog    *Watchdog
	wakelock    *Wakelock
	agent       *ClientAgent
	registry    *TransportRegistry
	snoop       *SnoopRecorder
	router      *Router
	provisioner *Provisioner
	activities  *Activities
	service     *Service
}

func NewDaemon(cfg *bthal.Config, log *logging.Logger) (d *Daemon, err error) {
	d = &Daemon{cfg: cfg, log: log}

	d.timers, err = NewTimerService(log)
	if err != nil {
		return nil, err
	}
	d.watchdog = NewWatchdog(log)
	d.wakelock = NewWakelock(
		NewSysfsKernelLocker(cfg.WakeLockNode, cfg.WakeUnlockNode),
		d.watchdog, d.timers, log)
	d.agent = NewClientAgent(log)
	d.snoop = NewSnoopRecorder(cfg, log)
	d.registry = NewTransportRegistry(cfg, func() TransportI {
		return NewUartTransport(cfg, d.wakelock, d.timers, d.activities, log)
	}, log)
	d.router = NewRouter(cfg, d.agent, d.registry, d.snoop, d.wakelock, log)
	d.provisioner = NewProvisioner(func() ChipDriverI {
		return NewFirmwareChipDriver(d.router, cfg, log)
	}, log)
	d.router.BindProvisioner(d.provisioner)

	d.activities = NewActivities(d.router, log)
	d.agent.Register(d.activities)

	d.service = NewService(d.router, d.wakelock, log)
	return
}

//	Start kicks off the accelerated bring-up when configured; otherwise
//	the chip stays down until the stack calls Initialize.
func (d *Daemon) Start() {
	d.router.StartAcceleratedBringUp()
}

func (d *Daemon) Stop() {
	d.service.Close()
	d.provisioner.Stop()
	d.snoop.Close()
	d.wakelock.ReleaseAll()
	d.watchdog.Close()
	d.timers.Close()
}

func (d *Daemon) Service() *Service            { return d.service }
func (d *Daemon) Router() *Router              { return d.router }
func (d *Daemon) ClientAgent() *ClientAgent    { return d.agent }
func (d *Daemon) Activities() *Activities      { return d.activities }
func (d *Daemon) Wakelock() *Wakelock          { return d.wakelock }
func (d *Daemon) Provisioner() *Provisioner    { return d.provisioner }
func (d *Daemon) Registry() *TransportRegistry { return d.registry }
