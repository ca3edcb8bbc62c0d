package machine

import (
	"math"
	"testing"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
)

func TestToolCommandPacking(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.SetTemperature(0, 220); err != nil {
		t.Fatal(err)
	}
	// TOOL_COMMAND | tool | SET_TEMP | sublen | temp LE
	checkPayload(t, commander, []byte{136, 0, 3, 2, 0xDC, 0x00})
}

func TestToolQueryPacking(t *testing.T) {
	m, commander, _ := newTestMachine()
	commander.replies = []reply{{response: makeResponse(byte(protocol.RC_OK), 0xD2, 0x00)}}

	temperature, err := m.Temperature(1)
	if err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{10, 1, 2, 0})
	if temperature != 210 {
		t.Errorf("temperature = %d, want 210", temperature)
	}
}

func TestSetTemperatureClamps(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.SetTemperature(0, -20); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 3, 2, 0x00, 0x00})

	if err := m.SetTemperature(0, 70000); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 3, 2, 0xFF, 0xFF})
}

func TestSpindleUsesMotor2(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.EnableSpindle(0, true); err != nil {
		t.Fatal(err)
	}
	// TOGGLE_MOTOR_2 with enable and clockwise bits
	checkPayload(t, commander, []byte{136, 0, 11, 1, 0x03})

	if err := m.DisableSpindle(0); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 11, 1, 0x00})
}

func TestSetSpindleRPMPayload(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.SetSpindleRPM(0, 60); err != nil {
		t.Fatal(err)
	}
	// 60 rpm is one million microseconds per revolution
	checkPayload(t, commander, []byte{136, 0, 7, 4, 0x40, 0x42, 0x0F, 0x00})
}

func TestToggleFanAndValve(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.ToggleFan(2, true); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 2, 12, 1, 1})

	if err := m.ToggleValve(2, false); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 2, 13, 1, 0})
}

func TestSetServoPosition(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.SetServoPosition(0, Servo2, 90); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 15, 1, 90})

	if err := m.SetServoPosition(0, Servo(9), 90); err == nil {
		t.Error("servo 9 accepted")
	}
}

func TestMotorSelection(t *testing.T) {
	m, commander, _ := newTestMachine()

	if err := m.SetMotorPWM(0, Motor1, 128); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 4, 1, 128})

	if err := m.SetMotorPWM(0, Motor2, 128); err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{136, 0, 5, 1, 128})

	if err := m.SetMotorPWM(0, Motor(3), 128); err == nil {
		t.Error("motor 3 accepted")
	}
}

func TestMotorRPMReadback(t *testing.T) {
	m, commander, _ := newTestMachine()
	// one million micros per revolution
	commander.replies = []reply{{response: makeResponse(byte(protocol.RC_OK), 0x40, 0x42, 0x0F, 0x00)}}

	rpm, err := m.MotorRPM(0, Motor1)
	if err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{10, 0, 17, 0})
	if rpm != 60 {
		t.Errorf("rpm = %v, want 60", rpm)
	}
}

func TestIsToolReady(t *testing.T) {
	m, commander, _ := newTestMachine()
	commander.replies = []reply{{response: makeResponse(byte(protocol.RC_OK), 0x01)}}

	ready, err := m.IsToolReady(0)
	if err != nil {
		t.Fatal(err)
	}
	checkPayload(t, commander, []byte{10, 0, 22, 0})
	if !ready {
		t.Error("ready = false")
	}
}

func TestRPMConversion(t *testing.T) {
	cases := []struct {
		rpm    float64
		micros uint32
	}{
		{60, 1000000},
		{1, 60000000},
		{120, 500000},
	}
	for _, c := range cases {
		if got := RPMToMicros(c.rpm); got != c.micros {
			t.Errorf("RPMToMicros(%v) = %d, want %d", c.rpm, got, c.micros)
		}
		if got := MicrosToRPM(c.micros); got != c.rpm {
			t.Errorf("MicrosToRPM(%d) = %v, want %v", c.micros, got, c.rpm)
		}
	}
}

func TestRPMConversionClamps(t *testing.T) {
	if got := RPMToMicros(0); got != math.MaxUint32 {
		t.Errorf("RPMToMicros(0) = %d", got)
	}
	if got := RPMToMicros(1e-6); got != math.MaxUint32 {
		t.Errorf("RPMToMicros(1e-6) = %d, want clamp to max", got)
	}
	if got := MicrosToRPM(0); got != 0 {
		t.Errorf("MicrosToRPM(0) = %v", got)
	}
}
