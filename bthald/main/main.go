package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"

	"bthal.co/bthal"
	"bthal.co/bthal/bthald"
)

func main() {
	//	redirect stdout > stderr
	syscall.Dup2(2, 1)

	log := bthal.SetupLogging("bthald", logging.INFO, true)

	configPath := os.Getenv("BTHAL_CONFIG")
	if configPath == "" {
		configPath = bthal.DefaultConfigPath
	}
	cfg := bthal.LoadConfig(configPath)

	daemon, err := bthald.NewDaemon(cfg, log)
	if err != nil {
		log.Fatal("cannot start daemon:", err)
	}
	daemon.Start()

	daemonSocket, err := bthal.DaemonListen()
	if err != nil {
		log.Fatal(err)
	}
	defer daemonSocket.Close()

	controlServer := bthald.NewControlServer(daemon, log)
	go func() {
		err := controlServer.HandleControlHTTP(daemonSocket)
		if err != nil {
			log.Notice("control server return:", err)
		}
	}()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig, ok := <-stopSignal
	if ok {
		log.Notice("stopping with signal", sig)
	}
	daemon.Stop()
}
