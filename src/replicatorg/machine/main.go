// Package machine exposes the typed operations of the motion-control
// board and its tool heads. Each operation builds a request payload,
// runs it through the driver and parses the reply fields.
package machine

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/driver"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
)

// Axis bits used by homing and axis-enable commands.
const (
	AxisX = 1 << 0
	AxisY = 1 << 1
	AxisZ = 1 << 2

	// bit 7 distinguishes enabling from disabling in M_ENABLE_AXES
	axisEnableFlag = 1 << 7
)

// DefaultHomingTimeout is passed to FindAxesMinimum/Maximum when the
// caller has no better bound, in seconds.
const DefaultHomingTimeout uint16 = 300

// Commander runs one request/response exchange. *driver.Handle
// satisfies it.
type Commander interface {
	RunCommand(payload []byte) (*protocol.Response, error)
}

// Machine issues typed commands to a connected machine.
type Machine struct {
	driver Commander
	log    *logrus.Entry

	finishedWarnOnce sync.Once

	pauseMu sync.Mutex
	paused  bool
}

// New returns a command layer over an initialized driver.
func New(commander Commander, log *logrus.Entry) *Machine {
	return &Machine{driver: commander, log: log}
}

func (m *Machine) run(b *protocol.Builder) (*protocol.Response, error) {
	return m.driver.RunCommand(b.Payload())
}

// Version asks the firmware for its version, announcing ours.
func (m *Machine) Version(hostVersion uint16) (driver.Version, error) {
	b := protocol.NewBuilder(protocol.M_VERSION)
	b.U16(hostVersion)
	response, err := m.run(b)
	if err != nil {
		return driver.Version{}, err
	}
	return driver.VersionFromWire(response.Uint16()), nil
}

// Init resets the machine to its default state.
func (m *Machine) Init() error {
	_, err := m.run(protocol.NewBuilder(protocol.M_INIT))
	return err
}

// BufferSize reports the free space in the firmware command buffer, in
// bytes.
func (m *Machine) BufferSize() (uint32, error) {
	response, err := m.run(protocol.NewBuilder(protocol.M_GET_BUFFER_SIZE))
	if err != nil {
		return 0, err
	}
	return response.Uint32(), nil
}

// ClearBuffer empties the firmware command buffer.
func (m *Machine) ClearBuffer() error {
	_, err := m.run(protocol.NewBuilder(protocol.M_CLEAR_BUFFER))
	return err
}

// Position reports the current stepper position and the endstop status
// byte.
func (m *Machine) Position() (x, y, z int32, endstops uint8, err error) {
	response, err := m.run(protocol.NewBuilder(protocol.M_GET_POSITION))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return response.Int32(), response.Int32(), response.Int32(), response.Uint8(), nil
}

// Range reports the configured axis range in steps.
func (m *Machine) Range() (x, y, z int32, err error) {
	response, err := m.run(protocol.NewBuilder(protocol.M_GET_RANGE))
	if err != nil {
		return 0, 0, 0, err
	}
	return response.Int32(), response.Int32(), response.Int32(), nil
}

// SetRange stores the axis range in steps.
func (m *Machine) SetRange(x, y, z int32) error {
	b := protocol.NewBuilder(protocol.M_SET_RANGE)
	b.I32(x)
	b.I32(y)
	b.I32(z)
	_, err := m.run(b)
	return err
}

// Abort stops all motion immediately and clears the command buffer.
func (m *Machine) Abort() error {
	_, err := m.run(protocol.NewBuilder(protocol.M_ABORT))
	return err
}

// Pause halts the machine. The wire command is a toggle with no explicit
// resume, so the host tracks the parity; a lost exchange can still leave
// host and machine disagreeing about the pause state.
func (m *Machine) Pause() error {
	return m.togglePause(true)
}

// Unpause resumes a paused machine. See Pause for the toggle caveat.
func (m *Machine) Unpause() error {
	return m.togglePause(false)
}

func (m *Machine) togglePause(target bool) error {
	_, err := m.run(protocol.NewBuilder(protocol.M_PAUSE))
	if err != nil {
		return err
	}
	m.pauseMu.Lock()
	m.paused = target
	m.pauseMu.Unlock()
	return nil
}

// Paused reports the host-side pause parity.
func (m *Machine) Paused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.paused
}

// Probe triggers the probe cycle.
func (m *Machine) Probe() error {
	_, err := m.run(protocol.NewBuilder(protocol.M_PROBE))
	return err
}

// IsFinished reports whether all buffered commands have completed.
// Firmware predating the command is assumed finished; the gap is logged
// once.
func (m *Machine) IsFinished() (bool, error) {
	response, err := m.run(protocol.NewBuilder(protocol.M_IS_FINISHED))
	if err != nil {
		if errors.Is(err, driver.ErrUnsupported) {
			m.finishedWarnOnce.Do(func() {
				m.log.Warn("Firmware cannot report completion, assuming finished.")
			})
			return true, nil
		}
		return false, err
	}
	return response.Uint8() != 0, nil
}

// QueueAbsolutePoint queues a linear move to an absolute stepper
// position, with the inter-step delay of the dominant axis in
// microseconds.
func (m *Machine) QueueAbsolutePoint(x, y, z int32, ddaMicros uint32) error {
	b := protocol.NewBuilder(protocol.M_QUEUE_POINT_ABS)
	b.I32(x)
	b.I32(y)
	b.I32(z)
	b.U32(ddaMicros)
	_, err := m.run(b)
	return err
}

// SetPosition defines the current stepper position without moving.
func (m *Machine) SetPosition(x, y, z int32) error {
	b := protocol.NewBuilder(protocol.M_SET_POSITION)
	b.I32(x)
	b.I32(y)
	b.I32(z)
	_, err := m.run(b)
	return err
}

// FindAxesMinimum homes the flagged axes towards their minimum
// endstops. stepMicros is the inter-step delay, timeout in seconds.
func (m *Machine) FindAxesMinimum(axes uint8, stepMicros uint32, timeout uint16) error {
	return m.findAxes(protocol.M_FIND_AXES_MINIMUM, axes, stepMicros, timeout)
}

// FindAxesMaximum homes the flagged axes towards their maximum
// endstops.
func (m *Machine) FindAxesMaximum(axes uint8, stepMicros uint32, timeout uint16) error {
	return m.findAxes(protocol.M_FIND_AXES_MAXIMUM, axes, stepMicros, timeout)
}

func (m *Machine) findAxes(cmd protocol.MasterCommand, axes uint8, stepMicros uint32, timeout uint16) error {
	b := protocol.NewBuilder(cmd)
	b.U8(axes & (AxisX | AxisY | AxisZ))
	b.U32(stepMicros)
	b.U16(timeout)
	_, err := m.run(b)
	return err
}

// Delay queues a pause of the given number of milliseconds.
func (m *Machine) Delay(ms uint32) error {
	b := protocol.NewBuilder(protocol.M_DELAY)
	b.U32(ms)
	_, err := m.run(b)
	return err
}

// ChangeTool makes the indexed tool current.
func (m *Machine) ChangeTool(tool uint8) error {
	b := protocol.NewBuilder(protocol.M_CHANGE_TOOL)
	b.U8(tool)
	_, err := m.run(b)
	return err
}

// WaitForTool blocks machine motion until the tool reports ready,
// polling every ping milliseconds and giving up after timeout seconds.
func (m *Machine) WaitForTool(tool uint8, ping uint16, timeout uint16) error {
	b := protocol.NewBuilder(protocol.M_WAIT_FOR_TOOL)
	b.U8(tool)
	b.U16(ping)
	b.U16(timeout)
	_, err := m.run(b)
	return err
}

// EnableAxes powers the flagged axis steppers.
func (m *Machine) EnableAxes(axes uint8) error {
	return m.toggleAxes(axes, true)
}

// DisableAxes releases the flagged axis steppers.
func (m *Machine) DisableAxes(axes uint8) error {
	return m.toggleAxes(axes, false)
}

func (m *Machine) toggleAxes(axes uint8, enable bool) error {
	mask := axes & (AxisX | AxisY | AxisZ)
	if enable {
		mask |= axisEnableFlag
	}
	b := protocol.NewBuilder(protocol.M_ENABLE_AXES)
	b.U8(mask)
	_, err := m.run(b)
	return err
}
