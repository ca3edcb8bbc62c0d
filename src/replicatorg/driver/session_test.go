package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
	"github.com/Kakaroto1/replicatorg/src/replicatorg/serialport"
)

func testConfig() Config {
	return Config{
		StartupTimeout: 50 * time.Millisecond,
		ResetBootDelay: time.Millisecond,
	}
}

// firmware simulates the board's handshake behavior: silent until it has
// been reset silentUntil times, then reporting the given version.
type firmware struct {
	t           *testing.T
	version     uint16
	silentUntil int
	link        *fakeLink

	versionRequests int
	initSeen        bool
}

func (fw *firmware) respond(frame []byte) []byte {
	// frame: D5 len payload... crc
	cmd := protocol.MasterCommand(frame[2])
	switch cmd {
	case protocol.M_VERSION:
		fw.versionRequests++
		if fw.link.resets < fw.silentUntil {
			return nil // stay silent, the host will time out
		}
		reply := protocol.Builder{}
		reply.U8(byte(protocol.RC_OK))
		reply.U16(fw.version)
		frame, err := protocol.Encode(reply.Payload())
		if err != nil {
			fw.t.Fatal(err)
		}
		return frame
	case protocol.M_INIT:
		fw.initSeen = true
		frame, err := protocol.Encode([]byte{byte(protocol.RC_OK)})
		if err != nil {
			fw.t.Fatal(err)
		}
		return frame
	}
	fw.t.Errorf("unexpected command 0x%02X during handshake", byte(cmd))
	return nil
}

func connectWith(t *testing.T, fw *firmware, config Config) (*Handle, error) {
	t.Helper()
	link := &fakeLink{}
	fw.link = link
	link.respond = fw.respond

	h := New(context.Background(), testLog(), config)
	restore := openLink
	openLink = func(serialport.Config, *logrus.Entry) (serialLink, error) { return link, nil }
	t.Cleanup(func() { openLink = restore })

	return h, h.Connect(context.Background())
}

func TestHandshakeImmediateReply(t *testing.T) {
	fw := &firmware{t: t, version: 101}
	h, err := connectWith(t, fw, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if got := h.State(); got != Ready {
		t.Errorf("state = %v, want Ready", got)
	}
	if got := h.FirmwareVersion(); got != (Version{Major: 1, Minor: 1}) {
		t.Errorf("version = %v", got)
	}
	if !fw.initSeen {
		t.Error("INIT was never sent")
	}
	if fw.link.resets != 0 {
		t.Errorf("resets = %d, want 0", fw.link.resets)
	}
}

func TestHandshakeResetsSilentMachine(t *testing.T) {
	fw := &firmware{t: t, version: 101, silentUntil: 2}
	h, err := connectWith(t, fw, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if fw.link.resets != 2 {
		t.Errorf("resets = %d, want 2", fw.link.resets)
	}
	if got := h.State(); got != Ready {
		t.Errorf("state = %v, want Ready", got)
	}
	if got := h.FirmwareVersion(); got != (Version{Major: 1, Minor: 1}) {
		t.Errorf("version = %v", got)
	}
}

func TestHandshakeClearsReadTimeout(t *testing.T) {
	fw := &firmware{t: t, version: 101}
	_, err := connectWith(t, fw, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got := fw.link.ReadTimeout(); got != 0 {
		t.Errorf("read timeout after handshake = %v, want 0", got)
	}
}

func TestHandshakeRejectsOldFirmware(t *testing.T) {
	fw := &firmware{t: t, version: 100} // 1.0, below the 1.1 floor
	h, err := connectWith(t, fw, testConfig())
	if !errors.Is(err, ErrBadFirmware) {
		t.Fatalf("err = %v, want ErrBadFirmware", err)
	}
	if got := h.State(); got != Failed {
		t.Errorf("state = %v, want Failed", got)
	}
	if fw.initSeen {
		t.Error("INIT sent despite rejected firmware")
	}
}

func TestHandshakeCancellation(t *testing.T) {
	link := &fakeLink{}
	link.respond = func(frame []byte) []byte { return nil } // forever silent

	h := New(context.Background(), testLog(), testConfig())
	restore := openLink
	openLink = func(serialport.Config, *logrus.Entry) (serialLink, error) { return link, nil }
	t.Cleanup(func() { openLink = restore })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Connect(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after cancellation")
	}

	if got := link.ReadTimeout(); got != 0 {
		t.Errorf("read timeout after interrupt = %v, want 0", got)
	}
}

func TestVersionFromWire(t *testing.T) {
	cases := []struct {
		wire uint16
		want Version
	}{
		{101, Version{1, 1}},
		{100, Version{1, 0}},
		{212, Version{2, 12}},
	}
	for _, c := range cases {
		if got := VersionFromWire(c.wire); got != c.want {
			t.Errorf("VersionFromWire(%d) = %v, want %v", c.wire, got, c.want)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	if !(Version{1, 1}).AtLeast(Version{1, 1}) {
		t.Error("1.1 should satisfy a 1.1 floor")
	}
	if !(Version{2, 0}).AtLeast(Version{1, 9}) {
		t.Error("2.0 should satisfy a 1.9 floor")
	}
	if (Version{1, 0}).AtLeast(Version{1, 1}) {
		t.Error("1.0 should not satisfy a 1.1 floor")
	}
}

func TestResetDropsConnection(t *testing.T) {
	fw := &firmware{t: t, version: 101}
	h, err := connectWith(t, fw, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	h.Reset()
	if got := h.State(); got != Disconnected {
		t.Errorf("state = %v, want Disconnected", got)
	}
	if !fw.link.closed {
		t.Error("link was not closed")
	}
	if _, err := h.RunCommand([]byte{byte(protocol.M_INIT)}); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	fw := &firmware{t: t, version: 101}
	h, err := connectWith(t, fw, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	h.Dispose()
	h.Dispose()
	if got := h.State(); got != Disposed {
		t.Errorf("state = %v, want Disposed", got)
	}
}
