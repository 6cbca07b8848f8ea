package main

/*
* CLI to control bthald
 */

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli"

	"bthal.co/bthal"
)

func PrintFatal(msg string, args ...interface{}) {
	PrintErr(msg, args...)
	os.Exit(1)
}

func PrintErr(msg string, args ...interface{}) {
	os.Stderr.WriteString(fmt.Sprintf(msg, args...) + "\n")
}

func daemonGet(path string) (body []byte, err error) {
	conn, err := bthal.DaemonDialWithTimeout()
	if err != nil {
		return
	}
	defer conn.Close()

	request, err := http.NewRequest("GET", path, nil)
	if err != nil {
		return
	}
	err = request.Write(conn)
	if err != nil {
		return
	}
	response, err := http.ReadResponse(bufio.NewReader(conn), request)
	if err != nil {
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		err = fmt.Errorf("non-200 status from daemon: %d", response.StatusCode)
		return
	}
	body, err = io.ReadAll(response.Body)
	return
}

type daemonState struct {
	HalState         string   `json:"hal_state"`
	ChipReady        bool     `json:"chip_ready"`
	BluetoothEnabled bool     `json:"bluetooth_enabled"`
	WakelockHeld     bool     `json:"wakelock_held"`
	WakelockSources  []string `json:"wakelock_sources"`
	Connections      int      `json:"connections"`
}

func statusCommand(c *cli.Context) (err error) {
	body, err := daemonGet("/state")
	if err != nil {
		PrintFatal(err.Error())
	}
	var state daemonState
	if err = json.Unmarshal(body, &state); err != nil {
		PrintFatal(err.Error())
	}

	halState := state.HalState
	switch halState {
	case "Running":
		halState = bthal.Green(halState)
	case "Shutdown":
		halState = bthal.Red(halState)
	default:
		halState = bthal.Yellow(halState)
	}
	fmt.Println("HAL state:        ", halState)
	fmt.Println("Chip ready:       ", state.ChipReady)
	fmt.Println("Bluetooth enabled:", state.BluetoothEnabled)
	fmt.Println("Wakelock held:    ", state.WakelockHeld)
	if len(state.WakelockSources) > 0 {
		fmt.Println("Wakelock sources: ", state.WakelockSources)
	}
	fmt.Println("Connections:      ", state.Connections)
	return
}

func versionCommand(c *cli.Context) (err error) {
	fmt.Println("btctl version:", bthal.CurrentVersion.String())
	body, err := daemonGet("/version")
	if err != nil {
		PrintErr("bthald not reachable: %s", err.Error())
		return
	}
	fmt.Println("bthald version:", string(body))
	return
}

func connectionsCommand(c *cli.Context) (err error) {
	body, err := daemonGet("/connections")
	if err != nil {
		PrintFatal(err.Error())
	}
	var records []map[string]interface{}
	if err = json.Unmarshal(body, &records); err != nil {
		PrintFatal(err.Error())
	}
	if len(records) == 0 {
		fmt.Println("No connection activity recorded.")
		return
	}
	for _, record := range records {
		fmt.Printf("%v handle=%v address=%v status=%v (%v)\n",
			record["timestamp"], record["handle"], record["address"],
			record["status"], record["event"])
	}
	return
}

func pingCommand(c *cli.Context) (err error) {
	if _, err = bthal.DaemonDialWithTimeout(); err != nil {
		PrintFatal(err.Error())
	}
	fmt.Println(bthal.Green("bthald is running ✔"))
	return
}

func main() {
	app := cli.NewApp()
	app.Name = "btctl"
	app.Usage = "query and control the Bluetooth HCI transport daemon"
	app.Version = bthal.CurrentVersion.String()
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "show HAL state, wakelock votes and connection count",
			Action: statusCommand,
		},
		{
			Name:   "version",
			Usage:  "show btctl and bthald versions",
			Action: versionCommand,
		},
		{
			Name:   "connections",
			Usage:  "dump the connection activity history",
			Action: connectionsCommand,
		},
		{
			Name:   "ping",
			Usage:  "check that bthald is running",
			Action: pingCommand,
		},
	}
	app.Run(os.Args)
}
