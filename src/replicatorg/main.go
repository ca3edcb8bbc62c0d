// Driver daemon for ReplicatorG-compatible machines. Connects to the
// motion-control board over a serial line and exposes a local WebSocket
// endpoint for status and control.
package main

import (
	"flag"
	"os"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/driver"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/serialport"
	"github.com/Kakaroto1/replicatorg/src/server"
)

type program struct {
	config server.Config
	logger *logrus.Logger
	server *server.Server
}

func (p *program) Start(s service.Service) error {
	p.server = server.Start(p.config, p.logger)
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.server.Stop()
	return nil
}

func main() {
	portName := flag.String("port", "/dev/ttyUSB0", "Serial device of the machine")
	baudRate := flag.Int("baud", 38400, "Baud rate")
	parity := flag.String("parity", "N", "Parity (N, E or O)")
	dataBits := flag.Int("databits", 8, "Data bits per character")
	stopBits := flag.Float64("stopbits", 1, "Stop bits (1, 1.5 or 2)")
	listen := flag.String("listen", "127.0.0.1:8739", "Address of the local control endpoint")
	debug := flag.Bool("debug", false, "Log at debug level")
	svcFlag := flag.String("service", "", "Control the system service (install, uninstall, start, stop)")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *parity == "" {
		logger.Fatal("Parity must be one of N, E or O.")
	}

	config := server.Config{
		Listen: *listen,
		Driver: driver.Config{
			Serial: serialport.Config{
				Name:     *portName,
				BaudRate: *baudRate,
				Parity:   (*parity)[0],
				DataBits: *dataBits,
				StopBits: *stopBits,
			},
		},
	}

	prg := &program{config: config, logger: logger}

	svcConfig := &service.Config{
		Name:        "replicatorg-driver",
		DisplayName: "ReplicatorG Driver",
		Description: "Host driver for ReplicatorG-compatible 3D printers and CNC machines",
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		logger.Fatal(err)
	}

	if *svcFlag != "" {
		if err := service.Control(s, *svcFlag); err != nil {
			logger.Fatal(err)
		}
		os.Exit(0)
	}

	if err := s.Run(); err != nil {
		logger.Fatal(err)
	}
}
