package machine

import (
	"fmt"
	"math"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/driver"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
)

// Motor selects one of the two motor channels on a tool head. Motor 1
// drives the extruder, motor 2 the spindle.
type Motor int

const (
	Motor1 Motor = 1
	Motor2 Motor = 2
)

// Servo selects one of the two servo channels on a tool head.
type Servo int

const (
	Servo1 Servo = 1
	Servo2 Servo = 2
)

// toolPayload packs a tool-routed request:
// CMD | tool | sub | sublen | subargs.
func toolPayload(cmd protocol.MasterCommand, tool uint8, sub protocol.SlaveCommand, subargs []byte) []byte {
	b := protocol.NewBuilder(cmd)
	b.U8(tool)
	b.U8(byte(sub))
	b.U8(byte(len(subargs)))
	b.Bytes(subargs)
	return b.Payload()
}

// ToolCommand sends a raw command to a tool head, expecting only an
// acknowledgement.
func (m *Machine) ToolCommand(tool uint8, sub protocol.SlaveCommand, subargs []byte) error {
	_, err := m.driver.RunCommand(toolPayload(protocol.M_TOOL_COMMAND, tool, sub, subargs))
	return err
}

// ToolQuery sends a raw query to a tool head and returns its reply.
func (m *Machine) ToolQuery(tool uint8, sub protocol.SlaveCommand, subargs []byte) (*protocol.Response, error) {
	return m.driver.RunCommand(toolPayload(protocol.M_TOOL_QUERY, tool, sub, subargs))
}

// ToolVersion asks a tool head for its firmware version.
func (m *Machine) ToolVersion(tool uint8, hostVersion uint16) (driver.Version, error) {
	b := protocol.Builder{}
	b.U16(hostVersion)
	response, err := m.ToolQuery(tool, protocol.T_VERSION, b.Payload())
	if err != nil {
		return driver.Version{}, err
	}
	return driver.VersionFromWire(response.Uint16()), nil
}

// InitTool resets a tool head to its default state.
func (m *Machine) InitTool(tool uint8) error {
	return m.ToolCommand(tool, protocol.T_INIT, nil)
}

// SelectTool makes the indexed tool head active on the bus.
func (m *Machine) SelectTool(tool uint8) error {
	return m.ToolCommand(tool, protocol.T_SELECT_TOOL, nil)
}

// IsToolReady reports whether a tool head has reached its target state,
// e.g. a heater at temperature.
func (m *Machine) IsToolReady(tool uint8) (bool, error) {
	response, err := m.ToolQuery(tool, protocol.T_IS_TOOL_READY, nil)
	if err != nil {
		return false, err
	}
	return response.Uint8() != 0, nil
}

// Temperature reads a tool head's current temperature in degrees
// Celsius.
func (m *Machine) Temperature(tool uint8) (uint16, error) {
	response, err := m.ToolQuery(tool, protocol.T_GET_TEMP, nil)
	if err != nil {
		return 0, err
	}
	return response.Uint16(), nil
}

// SetTemperature sets a tool head's target temperature in degrees
// Celsius, clamped to the wire range.
func (m *Machine) SetTemperature(tool uint8, celsius int) error {
	if celsius < 0 {
		celsius = 0
	}
	if celsius > math.MaxUint16 {
		celsius = math.MaxUint16
	}
	b := protocol.Builder{}
	b.U16(uint16(celsius))
	return m.ToolCommand(tool, protocol.T_SET_TEMP, b.Payload())
}

// FilamentStatus reports the tool head's filament sensor state.
func (m *Machine) FilamentStatus(tool uint8) (uint8, error) {
	response, err := m.ToolQuery(tool, protocol.T_FILAMENT_STATUS, nil)
	if err != nil {
		return 0, err
	}
	return response.Uint8(), nil
}

func motorCommand(motor Motor, one, two protocol.SlaveCommand) (protocol.SlaveCommand, error) {
	switch motor {
	case Motor1:
		return one, nil
	case Motor2:
		return two, nil
	}
	return 0, fmt.Errorf("machine: no such motor %d", motor)
}

// SetMotorPWM sets a motor's PWM duty cycle.
func (m *Machine) SetMotorPWM(tool uint8, motor Motor, pwm uint8) error {
	sub, err := motorCommand(motor, protocol.T_SET_MOTOR_1_PWM, protocol.T_SET_MOTOR_2_PWM)
	if err != nil {
		return err
	}
	b := protocol.Builder{}
	b.U8(pwm)
	return m.ToolCommand(tool, sub, b.Payload())
}

// MotorPWM reads back a motor's PWM duty cycle.
func (m *Machine) MotorPWM(tool uint8, motor Motor) (uint8, error) {
	sub, err := motorCommand(motor, protocol.T_GET_MOTOR_1_PWM, protocol.T_GET_MOTOR_2_PWM)
	if err != nil {
		return 0, err
	}
	response, err := m.ToolQuery(tool, sub, nil)
	if err != nil {
		return 0, err
	}
	return response.Uint8(), nil
}

// SetMotorRPM sets a motor's speed. The wire value is microseconds per
// revolution.
func (m *Machine) SetMotorRPM(tool uint8, motor Motor, rpm float64) error {
	sub, err := motorCommand(motor, protocol.T_SET_MOTOR_1_RPM, protocol.T_SET_MOTOR_2_RPM)
	if err != nil {
		return err
	}
	b := protocol.Builder{}
	b.U32(RPMToMicros(rpm))
	return m.ToolCommand(tool, sub, b.Payload())
}

// MotorRPM reads back a motor's speed in revolutions per minute.
func (m *Machine) MotorRPM(tool uint8, motor Motor) (float64, error) {
	sub, err := motorCommand(motor, protocol.T_GET_MOTOR_1_RPM, protocol.T_GET_MOTOR_2_RPM)
	if err != nil {
		return 0, err
	}
	response, err := m.ToolQuery(tool, sub, nil)
	if err != nil {
		return 0, err
	}
	return MicrosToRPM(response.Uint32()), nil
}

// SetMotorDirection sets a motor's direction of rotation.
func (m *Machine) SetMotorDirection(tool uint8, motor Motor, clockwise bool) error {
	sub, err := motorCommand(motor, protocol.T_SET_MOTOR_1_DIR, protocol.T_SET_MOTOR_2_DIR)
	if err != nil {
		return err
	}
	b := protocol.Builder{}
	b.U8(boolByte(clockwise))
	return m.ToolCommand(tool, sub, b.Payload())
}

// ToggleMotor switches a motor on or off. Bit 0 of the flag byte is the
// enable, bit 1 the direction (set = clockwise).
func (m *Machine) ToggleMotor(tool uint8, motor Motor, enabled, clockwise bool) error {
	sub, err := motorCommand(motor, protocol.T_TOGGLE_MOTOR_1, protocol.T_TOGGLE_MOTOR_2)
	if err != nil {
		return err
	}
	var flags uint8
	if enabled {
		flags |= 1 << 0
	}
	if clockwise {
		flags |= 1 << 1
	}
	b := protocol.Builder{}
	b.U8(flags)
	return m.ToolCommand(tool, sub, b.Payload())
}

// EnableSpindle starts the spindle on motor channel 2.
func (m *Machine) EnableSpindle(tool uint8, clockwise bool) error {
	return m.ToggleMotor(tool, Motor2, true, clockwise)
}

// DisableSpindle stops the spindle.
func (m *Machine) DisableSpindle(tool uint8) error {
	return m.ToggleMotor(tool, Motor2, false, false)
}

// SetSpindleRPM sets the spindle speed.
func (m *Machine) SetSpindleRPM(tool uint8, rpm float64) error {
	return m.SetMotorRPM(tool, Motor2, rpm)
}

// ToggleFan switches the tool head's cooling fan.
func (m *Machine) ToggleFan(tool uint8, on bool) error {
	b := protocol.Builder{}
	b.U8(boolByte(on))
	return m.ToolCommand(tool, protocol.T_TOGGLE_FAN, b.Payload())
}

// ToggleValve switches the tool head's valve.
func (m *Machine) ToggleValve(tool uint8, open bool) error {
	b := protocol.Builder{}
	b.U8(boolByte(open))
	return m.ToolCommand(tool, protocol.T_TOGGLE_VALVE, b.Payload())
}

// SetServoPosition positions one of the tool head's servo channels.
func (m *Machine) SetServoPosition(tool uint8, servo Servo, position uint8) error {
	var sub protocol.SlaveCommand
	switch servo {
	case Servo1:
		sub = protocol.T_SET_SERVO_1_POS
	case Servo2:
		sub = protocol.T_SET_SERVO_2_POS
	default:
		return fmt.Errorf("machine: no such servo %d", servo)
	}
	b := protocol.Builder{}
	b.U8(position)
	return m.ToolCommand(tool, sub, b.Payload())
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// RPMToMicros converts revolutions per minute to the microseconds per
// revolution the firmware expects, clamped to the u32 range. The
// division is done in float64 so slow speeds cannot overflow
// intermediate arithmetic.
func RPMToMicros(rpm float64) uint32 {
	if rpm <= 0 {
		return math.MaxUint32
	}
	micros := math.Round(60e6 / rpm)
	if micros >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(micros)
}

// MicrosToRPM converts the wire representation back to revolutions per
// minute.
func MicrosToRPM(micros uint32) float64 {
	if micros == 0 {
		return 0
	}
	return 60e6 / float64(micros)
}
