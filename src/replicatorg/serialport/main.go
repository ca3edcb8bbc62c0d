// Package serialport owns the serial device connected to the machine. A
// background reader drains the OS buffer into an internal receive buffer
// from which the transport pulls single bytes, with an optional read
// timeout.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Parity settings accepted in Config.
const (
	ParityNone = 'N'
	ParityEven = 'E'
	ParityOdd  = 'O'
)

// Width of the DTR reset pulse.
const resetPulseWidth = 100 * time.Millisecond

// Config are the line parameters for the machine connection.
type Config struct {
	Name     string
	BaudRate int
	Parity   byte
	DataBits int
	StopBits float64
}

var (
	ErrPortNotFound = errors.New("serialport: no such port")
	ErrPortInUse    = errors.New("serialport: port already in use")
	ErrPortOpen     = errors.New("serialport: could not open port")
	ErrTimeout      = errors.New("serialport: read timed out")
	ErrClosed       = errors.New("serialport: port closed")
)

// devicePort is the subset of the OS serial handle the link uses.
// go.bug.st's serial.Port satisfies it.
type devicePort interface {
	io.ReadWriteCloser
	SetDTR(bool) error
	ResetInputBuffer() error
	Drain() error
}

// Link is an open serial connection with a buffered read path.
type Link struct {
	log  *logrus.Entry
	port devicePort

	buf recvBuffer

	// read timeout in nanoseconds, 0 means block indefinitely
	timeout atomic.Int64

	closeMu    sync.Mutex
	closed     bool
	done       chan struct{}
	readerDone chan struct{}
}

// Open configures and opens the named port and starts the background
// reader.
func Open(config Config, log *logrus.Entry) (*Link, error) {
	if config.DataBits != 8 {
		return nil, fmt.Errorf("serialport: %d data bits not supported, the wire format requires 8", config.DataBits)
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}
	switch config.Parity {
	case ParityNone:
		mode.Parity = serial.NoParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("serialport: illegal parity %q", string(config.Parity))
	}
	switch config.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serialport: illegal stop bits %v", config.StopBits)
	}

	if err := ensurePortExists(config.Name); err != nil {
		return nil, err
	}

	log.WithField("name", config.Name).WithField("config", mode).Info("Attempting to connect with serial port.")
	port, err := serial.Open(config.Name, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortNotFound:
				return nil, ErrPortNotFound
			case serial.PortBusy:
				return nil, ErrPortInUse
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrPortOpen, err)
	}
	port.ResetInputBuffer() // flush any unread data buffered by the OS

	link := newLink(port, log)
	go link.readFromPort()
	return link, nil
}

// ensurePortExists distinguishes a missing device from an unopenable one.
func ensurePortExists(name string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// enumeration unsupported on this platform, let open decide
		return nil
	}
	for _, port := range ports {
		if port.Name == name {
			return nil
		}
	}
	return ErrPortNotFound
}

func newLink(port devicePort, log *logrus.Entry) *Link {
	return &Link{
		log:        log,
		port:       port,
		buf:        newRecvBuffer(),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// readFromPort drains the OS buffer into the receive buffer until the
// port is closed. Delivery takes the buffer mutex per byte and nothing
// else.
func (l *Link) readFromPort() {
	defer close(l.readerDone)
	chunk := make([]byte, 256)
	for {
		n, err := l.port.Read(chunk)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.WithError(err).Error("Error reading from serial port")
			}
			return
		}
		for _, b := range chunk[:n] {
			l.buf.push(b)
		}
	}
}

// Write sends all bytes and flushes the transmit path.
func (l *Link) Write(p []byte) error {
	n, err := l.port.Write(p)
	if err != nil {
		return fmt.Errorf("serialport: write: %w", err)
	}
	if n < len(p) {
		return fmt.Errorf("serialport: short write (%d of %d bytes)", n, len(p))
	}
	return l.port.Drain()
}

// ReadOne returns the next buffered byte. With an empty buffer it waits
// up to the installed read timeout; a zero timeout blocks until a byte
// arrives or the link closes.
func (l *Link) ReadOne() (byte, error) {
	var deadline <-chan time.Time
	if timeout := l.ReadTimeout(); timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if b, ok := l.buf.pop(); ok {
			return b, nil
		}
		select {
		case <-l.buf.notify:
		case <-deadline:
			return 0, ErrTimeout
		case <-l.done:
			return 0, ErrClosed
		}
	}
}

// Available reports the number of buffered unread bytes.
func (l *Link) Available() int {
	return l.buf.available()
}

// Clear discards all buffered bytes.
func (l *Link) Clear() {
	l.buf.clear()
}

// SetReadTimeout installs the timeout used by subsequent ReadOne calls.
// Zero disables the timeout.
func (l *Link) SetReadTimeout(timeout time.Duration) {
	l.timeout.Store(int64(timeout))
}

// ReadTimeout returns the currently installed read timeout.
func (l *Link) ReadTimeout() time.Duration {
	return time.Duration(l.timeout.Load())
}

// PulseResetLow drives the DTR modem line low and back high to
// hardware-reset the machine.
func (l *Link) PulseResetLow() error {
	l.log.Info("Pulsing DTR to reset the machine.")
	if err := l.port.SetDTR(false); err != nil {
		return fmt.Errorf("serialport: reset pulse: %w", err)
	}
	time.Sleep(resetPulseWidth)
	if err := l.port.SetDTR(true); err != nil {
		return fmt.Errorf("serialport: reset pulse: %w", err)
	}
	return nil
}

// Close stops the reader and releases the port. Safe to call repeatedly.
func (l *Link) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.closeMu.Unlock()

	err := l.port.Close()
	<-l.readerDone
	if err != nil {
		return fmt.Errorf("serialport: close: %w", err)
	}
	return nil
}
