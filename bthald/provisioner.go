package bthald

import (
	"sync"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

//	ChipDriverI performs the vendor-specific chip operations. State
//	advances are reported back through the callback handed to
//	Initialize; the provisioner never interprets them.
type ChipDriverI interface {
	Initialize(onHalStateUpdate func(bthal.HalState))
	DownloadFirmware() bool
	ResetFirmware() bool
}

type ChipDriverFactory func() ChipDriverI

type provisionMsgKind int

const (
	provisionInitialize provisionMsgKind = iota + 1
	provisionDownloadFirmware
	provisionResetFirmware
)

func (k provisionMsgKind) String() string {
	switch k {
	case provisionInitialize:
		return "Initialize"
	case provisionDownloadFirmware:
		return "DownloadFirmware"
	case provisionResetFirmware:
		return "ResetFirmware"
	}
	return "Unknown"
}

type provisionMsg struct {
	kind             provisionMsgKind
	onHalStateUpdate func(bthal.HalState)
}

//	Provisioner sequences chip bring-up on its own worker so the
//	router's call sites never block on vendor operations: the router
//	posts and returns, and the state machine advances when the driver's
//	callback fires back into the router.
type Provisioner struct {
	worker *Worker[provisionMsg]

	mu      sync.Mutex
	factory ChipDriverFactory
	driver  ChipDriverI

	log *logging.Logger
}

func NewProvisioner(factory ChipDriverFactory, log *logging.Logger) *Provisioner {
	p := &Provisioner{
		factory: factory,
		log:     log,
	}
	p.worker = NewWorker(p.process, log)
	return p
}

//	RegisterVendorChipDriver swaps in a vendor driver factory; must be
//	called before the first Initialize message is consumed.
func (p *Provisioner) RegisterVendorChipDriver(factory ChipDriverFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory = factory
}

func (p *Provisioner) PostInitialize(onHalStateUpdate func(bthal.HalState)) {
	p.worker.Post(provisionMsg{kind: provisionInitialize, onHalStateUpdate: onHalStateUpdate})
}

func (p *Provisioner) PostDownloadFirmware() {
	p.worker.Post(provisionMsg{kind: provisionDownloadFirmware})
}

func (p *Provisioner) PostResetFirmware() {
	p.worker.Post(provisionMsg{kind: provisionResetFirmware})
}

func (p *Provisioner) Stop() {
	p.worker.Stop()
}

func (p *Provisioner) process(msg provisionMsg) {
	p.log.Debugf("provisioner: message %s", msg.kind)
	switch msg.kind {
	case provisionInitialize:
		p.handleInitialize(msg.onHalStateUpdate)
	case provisionDownloadFirmware:
		if driver := p.currentDriver(); driver != nil {
			driver.DownloadFirmware()
		}
	case provisionResetFirmware:
		if driver := p.currentDriver(); driver != nil {
			driver.ResetFirmware()
		}
	}
}

func (p *Provisioner) currentDriver() ChipDriverI {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.driver
}

func (p *Provisioner) handleInitialize(onHalStateUpdate func(bthal.HalState)) {
	p.mu.Lock()
	if p.driver != nil {
		p.mu.Unlock()
		return
	}
	factory := p.factory
	p.mu.Unlock()

	var driver ChipDriverI
	if factory != nil {
		driver = factory()
	}
	if driver == nil {
		//	bring-up cannot proceed; the router aborts via the
		//	initialization error path
		p.log.Error("provisioner: failed to create chip driver instance")
		return
	}

	p.mu.Lock()
	p.driver = driver
	p.mu.Unlock()
	driver.Initialize(onHalStateUpdate)
}
