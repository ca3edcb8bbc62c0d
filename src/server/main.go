// Package server wires the driver together: configuration, the machine
// connection, the WebSocket control endpoint and the runtime monitor.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/driver"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/machine"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/util"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/websocket"
)

// Config for the driver daemon.
type Config struct {
	// Listen is the address of the local control endpoint.
	Listen string

	Driver driver.Config
}

// Server is a running driver daemon.
type Server struct {
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	config  Config
	driver  *driver.Handle
	machine *machine.Machine

	httpServer *http.Server
}

// Start brings up the daemon: driver, command layer, control endpoint
// and monitor. The initial connection attempt runs in the background.
func Start(config Config, logger *logrus.Logger) *Server {
	log := logger.WithField("package", "server")

	hostId, err := machineid.ProtectedID("replicatorg-driver")
	if err != nil {
		log.WithError(err).Warn("Could not derive a host id.")
		hostId = "unknown"
	}
	log.WithField("hostId", hostId).WithField("port", config.Driver.Serial.Name).Info("Starting driver.")

	ctx, cancel := context.WithCancel(context.Background())

	drv := driver.New(ctx, logger.WithField("package", "driver"), config.Driver)
	mach := machine.New(drv, logger.WithField("package", "machine"))

	server := &Server{
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		config:  config,
		driver:  drv,
		machine: mach,
	}

	backend := &driverBackend{server: server, hostId: hostId}

	mux := http.NewServeMux()
	mux.Handle("/machine", &websocket.Handle{
		Broker:        drv.Broker(),
		BrokerMonitor: driver.TopicMonitor,
		Log:           logger.WithField("package", "websocket"),
		Backend:       backend,
	})
	server.httpServer = &http.Server{Addr: config.Listen, Handler: mux}

	go func() {
		err := server.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Control endpoint failed.")
		}
	}()

	go startMonitor(log, drv)

	go server.connect()

	return server
}

// Machine exposes the typed command layer.
func (s *Server) Machine() *machine.Machine {
	return s.machine
}

// Driver exposes the connection handle.
func (s *Server) Driver() *driver.Handle {
	return s.driver
}

func (s *Server) connect() {
	if err := s.driver.Connect(s.ctx); err != nil {
		if s.ctx.Err() == nil {
			s.log.WithError(err).Error("Could not connect to machine.")
		}
	}
}

// Stop shuts the daemon down, closing the control endpoint and the
// serial port.
func (s *Server) Stop() {
	s.log.Info("Stopping driver.")
	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	s.httpServer.Shutdown(shutdownCtx)

	s.driver.Dispose()
}

// driverBackend adapts the server to the WebSocket endpoint.
type driverBackend struct {
	server *Server
	hostId string
}

func (b *driverBackend) Status() websocket.Status {
	drv := b.server.driver
	status := websocket.Status{
		State:  drv.State().String(),
		HostId: b.hostId,
	}
	if drv.State() != driver.Disconnected && drv.State() != driver.Disposed {
		status.Port = util.PointerTo(drv.PortName())
	}
	if drv.State() == driver.Ready {
		status.FirmwareVersion = util.PointerTo(drv.FirmwareVersion().String())
	}
	return status
}

func (b *driverBackend) Connect(port string) {
	if port != "" {
		b.server.driver.Reset()
		b.server.driver.SetPortName(port)
	}
	go b.server.connect()
}

func (b *driverBackend) Disconnect() {
	b.server.driver.Reset()
}

func (b *driverBackend) Reset() {
	b.server.driver.Reset()
	go b.server.connect()
}
