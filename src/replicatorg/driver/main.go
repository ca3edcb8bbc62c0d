// Package driver performs the request/response exchanges with the
// motion-control board and owns the connection lifecycle: open with
// retry, startup handshake, hardware reset and disposal.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/serialport"
)

// pubsub topic names, must be unique
const (
	// TopicState carries State values on every connection state change.
	TopicState = "state"
	// TopicMonitor carries the raw frame bytes of every request the
	// machine answered OK, for debugging clients. Requests that end in
	// an error reply, a timeout or a write failure are not published.
	TopicMonitor = "monitor"
)

const (
	// DefaultHostVersion is the protocol version announced to the
	// firmware in VERSION requests.
	DefaultHostVersion uint16 = 100

	// defaults for Config fields left zero
	defaultStartupTimeout = 8000 * time.Millisecond
	defaultResetBootDelay = 3000 * time.Millisecond

	// Pause after the firmware reports a full command buffer before the
	// frame is retransmitted.
	overflowRetryDelay = 25 * time.Millisecond

	// Pause between attempts to open a port that is absent or busy.
	openRetryDelay = 500 * time.Millisecond
)

var (
	ErrNotReady    = errors.New("driver: no machine connected")
	ErrTimeout     = errors.New("driver: timed out waiting for a response")
	ErrCRCMismatch = errors.New("driver: exchange failed CRC check")
	ErrUnsupported = errors.New("driver: command not supported by this firmware")
	ErrDevice      = errors.New("driver: machine signalled an error")
	ErrBadFirmware = errors.New("driver: firmware version below supported minimum")
)

// State of the connection to the machine.
type State int

const (
	Disconnected State = iota
	WaitingForStartup
	VersionChecked
	Ready
	Failed
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case WaitingForStartup:
		return "WaitingForStartup"
	case VersionChecked:
		return "VersionChecked"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	case Disposed:
		return "Disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Version is a firmware version as reported by the VERSION command. The
// wire value packs major*100+minor.
type Version struct {
	Major int
	Minor int
}

// VersionFromWire unpacks the u16 version field.
func VersionFromWire(v uint16) Version {
	return Version{Major: int(v) / 100, Minor: int(v) % 100}
}

// AtLeast reports whether v is no older than other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Config parameterizes a driver Handle.
type Config struct {
	Serial serialport.Config

	// HostVersion is sent with every VERSION request.
	HostVersion uint16

	// MinimumFirmware is the oldest firmware the driver accepts.
	MinimumFirmware Version

	// StartupTimeout bounds each wait for the first VERSION reply before
	// the machine is reset.
	StartupTimeout time.Duration

	// ResetBootDelay is how long the firmware needs to boot after a
	// reset pulse.
	ResetBootDelay time.Duration
}

// serialLink is what the transport needs from an open port.
// *serialport.Link satisfies it.
type serialLink interface {
	Write(p []byte) error
	ReadOne() (byte, error)
	Available() int
	Clear()
	SetReadTimeout(timeout time.Duration)
	ReadTimeout() time.Duration
	PulseResetLow() error
	Close() error
}

// openLink is swapped out in tests.
var openLink = func(config serialport.Config, log *logrus.Entry) (serialLink, error) {
	return serialport.Open(config, log)
}

// Handle for managing the machine connection.
type Handle struct {
	ctx context.Context
	log *logrus.Entry

	config Config
	broker *pubsub.PubSub

	// portMutex serializes entire request/response exchanges
	portMutex sync.Mutex
	link      serialLink

	stateMu sync.Mutex
	state   State
	version Version
}

// New returns an initialized driver handle.
func New(ctx context.Context, log *logrus.Entry, config Config) *Handle {
	if config.HostVersion == 0 {
		config.HostVersion = DefaultHostVersion
	}
	if config.MinimumFirmware == (Version{}) {
		config.MinimumFirmware = Version{Major: 1, Minor: 1}
	}
	if config.StartupTimeout == 0 {
		config.StartupTimeout = defaultStartupTimeout
	}
	if config.ResetBootDelay == 0 {
		config.ResetBootDelay = defaultResetBootDelay
	}

	handle := &Handle{
		ctx:    ctx,
		log:    log,
		config: config,
		broker: pubsub.New(32),
	}

	// Clean up
	go func() {
		<-ctx.Done()
		handle.broker.Shutdown()
	}()

	return handle
}

// Broker exposes the state and monitor topics.
func (h *Handle) Broker() *pubsub.PubSub {
	return h.broker
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// PortName returns the serial device the driver is configured for.
func (h *Handle) PortName() string {
	h.portMutex.Lock()
	defer h.portMutex.Unlock()
	return h.config.Serial.Name
}

// SetPortName points the next Connect at a different serial device.
func (h *Handle) SetPortName(name string) {
	h.portMutex.Lock()
	h.config.Serial.Name = name
	h.portMutex.Unlock()
}

// FirmwareVersion returns the version reported during the handshake.
func (h *Handle) FirmwareVersion() Version {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.version
}

func (h *Handle) setState(state State) {
	h.stateMu.Lock()
	previous := h.state
	h.state = state
	h.stateMu.Unlock()
	if previous != state {
		h.log.WithField("from", previous.String()).WithField("to", state.String()).Info("Machine state changed.")
		h.broker.TryPub(state, TopicState)
	}
}

// RunCommand performs one request/response exchange. Only a Ready
// machine accepts commands.
func (h *Handle) RunCommand(payload []byte) (*protocol.Response, error) {
	if h.State() != Ready {
		return nil, ErrNotReady
	}
	h.portMutex.Lock()
	defer h.portMutex.Unlock()
	return h.exchange(payload)
}

// exchange writes one frame and reads its reply. The caller holds the
// port mutex. BUFFER_OVERFLOW replies trigger a fixed-delay retransmit
// of the identical frame and are never seen by callers.
func (h *Handle) exchange(payload []byte) (*protocol.Response, error) {
	link := h.link
	if link == nil {
		return nil, ErrNotReady
	}

	frame, err := protocol.Encode(payload)
	if err != nil {
		return nil, err
	}

	for {
		if err := link.Write(frame); err != nil {
			h.log.WithError(err).Error("Failed to write frame to machine.")
			return nil, err
		}

		response, err := h.readResponse(link)
		if err != nil {
			return nil, err
		}

		switch response.Code {
		case protocol.RC_OK:
			h.broker.TryPub(frame, TopicMonitor)
			return response, nil
		case protocol.RC_BUFFER_OVERFLOW:
			// the firmware queue is full, give it room and resend
			h.log.Debug("Machine buffer full, backing off.")
			time.Sleep(overflowRetryDelay)
			continue
		case protocol.RC_CRC_MISMATCH:
			return response, ErrCRCMismatch
		case protocol.RC_UNSUPPORTED:
			return response, ErrUnsupported
		case protocol.RC_GENERIC_ERROR, protocol.RC_QUERY_OVERFLOW:
			return response, fmt.Errorf("%w: code 0x%02X", ErrDevice, byte(response.Code))
		default:
			return response, fmt.Errorf("%w: unknown response code 0x%02X", ErrDevice, byte(response.Code))
		}
	}
}

// readResponse feeds bytes into a fresh decoder until a packet is
// framed.
func (h *Handle) readResponse(link serialLink) (*protocol.Response, error) {
	var decoder protocol.Decoder
	for {
		b, err := link.ReadOne()
		if err != nil {
			if errors.Is(err, serialport.ErrTimeout) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if !decoder.Feed(b) {
			continue
		}
		response, err := decoder.Result()
		if err != nil {
			if errors.Is(err, protocol.ErrCRCMismatch) {
				return nil, ErrCRCMismatch
			}
			return nil, err
		}
		return response, nil
	}
}
