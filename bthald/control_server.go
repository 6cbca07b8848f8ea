package bthald

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/op/go-logging"

	"bthal.co/bthal"
)

//	ControlServer exposes daemon state over the local control socket:
//	HAL state, wakelock votes and the connection activity history.
type ControlServer struct {
	service    *Service
	agent      *ClientAgent
	activities *Activities
	wakelock   *Wakelock
	log        *logging.Logger
}

func NewControlServer(daemon *Daemon, log *logging.Logger) *ControlServer {
	return &ControlServer{
		service:    daemon.Service(),
		agent:      daemon.ClientAgent(),
		activities: daemon.Activities(),
		wakelock:   daemon.Wakelock(),
		log:        log,
	}
}

func (cs *ControlServer) HandleControlHTTP(listener net.Listener) (err error) {
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/ping", cs.handlePing)
	httpMux.HandleFunc("/version", cs.handleVersion)
	httpMux.HandleFunc("/state", cs.handleState)
	httpMux.HandleFunc("/connections", cs.handleConnections)
	err = http.Serve(listener, httpMux)
	return
}

func (cs *ControlServer) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (cs *ControlServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(bthal.CurrentVersion.String()))
}

type daemonState struct {
	HalState         string   `json:"hal_state"`
	ChipReady        bool     `json:"chip_ready"`
	BluetoothEnabled bool     `json:"bluetooth_enabled"`
	WakelockHeld     bool     `json:"wakelock_held"`
	WakelockSources  []string `json:"wakelock_sources"`
	Connections      int      `json:"connections"`
}

func (cs *ControlServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state := daemonState{
		HalState:         cs.service.HalState().String(),
		ChipReady:        cs.agent.IsBluetoothChipReady(),
		BluetoothEnabled: cs.agent.IsBluetoothEnabled(),
		WakelockHeld:     cs.wakelock.IsAcquired(),
		WakelockSources:  cs.wakelock.AcquiredSources(),
		Connections:      cs.activities.ConnectionHandleCount(),
	}
	if err := json.NewEncoder(w).Encode(state); err != nil {
		cs.log.Error("control server: state encode error:", err)
	}
}

func (cs *ControlServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	history := cs.activities.History()
	if history == nil {
		history = []ConnectionRecord{}
	}
	if err := json.NewEncoder(w).Encode(history); err != nil {
		cs.log.Error("control server: connections encode error:", err)
	}
}
