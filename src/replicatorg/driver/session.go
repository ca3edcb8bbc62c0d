package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/protocol"
)

// Connect opens the serial port, retrying while it is absent or busy,
// and then runs the startup handshake. It returns once the machine is
// Ready, the firmware is rejected, or the context is cancelled.
func (h *Handle) Connect(ctx context.Context) error {
	open := func() error {
		h.portMutex.Lock()
		serialConfig := h.config.Serial
		h.portMutex.Unlock()

		link, err := openLink(serialConfig, h.log)
		if err != nil {
			h.log.WithError(err).WithField("name", serialConfig.Name).Info("Could not open serial port, will retry.")
			return err
		}
		h.portMutex.Lock()
		h.link = link
		h.portMutex.Unlock()
		return nil
	}
	retry := backoff.WithContext(backoff.NewConstantBackOff(openRetryDelay), ctx)
	if err := backoff.Retry(open, retry); err != nil {
		return err
	}

	h.setState(WaitingForStartup)
	if err := h.waitForStartup(ctx, h.config.StartupTimeout); err != nil {
		if errors.Is(err, ErrBadFirmware) {
			h.setState(Failed)
		} else {
			h.setState(Disconnected)
		}
		return err
	}

	h.setState(Ready)
	h.log.WithField("version", h.FirmwareVersion().String()).Info("Machine is ready.")
	return nil
}

// waitForStartup performs the handshake: VERSION until a plausible
// reply, with a hardware reset pulse whenever the machine stays silent
// past the timeout, then the firmware floor check, then INIT.
func (h *Handle) waitForStartup(ctx context.Context, timeout time.Duration) error {
	h.portMutex.Lock()
	defer h.portMutex.Unlock()

	link := h.link
	if link == nil {
		return ErrNotReady
	}

	link.SetReadTimeout(timeout)
	// Later exchanges wait on the machine for as long as it takes, e.g.
	// on buffered moves. Clear the timeout even when interrupted.
	defer link.SetReadTimeout(0)

	request := protocol.NewBuilder(protocol.M_VERSION)
	request.U16(h.config.HostVersion)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		response, err := h.exchange(request.Payload())
		switch {
		case err == nil:
			wire := response.Uint16()
			if wire == 0 {
				// boot babble decoded as a version, ask again
				continue
			}
			h.stateMu.Lock()
			h.version = VersionFromWire(wire)
			h.stateMu.Unlock()
		case errors.Is(err, ErrTimeout):
			h.log.WithField("timeout", timeout).Warn("Machine is silent, pulsing hardware reset.")
			if err := link.PulseResetLow(); err != nil {
				return err
			}
			if err := sleepContext(ctx, h.config.ResetBootDelay); err != nil {
				return err
			}
			h.drainBootNoise(link)
			continue
		case errors.Is(err, ErrCRCMismatch):
			// garbled boot output, ask again
			continue
		default:
			return err
		}
		break
	}

	version := h.FirmwareVersion()
	h.log.WithField("version", version.String()).Info("Machine reported firmware version.")
	if !version.AtLeast(h.config.MinimumFirmware) {
		return fmt.Errorf("%w: have %s, need %s", ErrBadFirmware, version, h.config.MinimumFirmware)
	}
	h.setState(VersionChecked)

	if _, err := h.exchange([]byte{byte(protocol.M_INIT)}); err != nil {
		return err
	}
	return nil
}

// drainBootNoise discards whatever the firmware printed while booting so
// it cannot be mistaken for a reply.
func (h *Handle) drainBootNoise(link serialLink) {
	var noise []byte
	for link.Available() > 0 {
		b, err := link.ReadOne()
		if err != nil {
			break
		}
		noise = append(noise, b)
	}
	if len(noise) > 0 {
		h.log.WithField("bytes", fmt.Sprintf("% X", noise)).Debug("Discarded boot noise.")
	}
}

// Reset drops the connection so that a later Connect starts over with a
// fresh handshake.
func (h *Handle) Reset() {
	h.portMutex.Lock()
	link := h.link
	h.link = nil
	h.portMutex.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			h.log.WithError(err).Warn("Error closing serial port.")
		}
	}
	h.setState(Disconnected)
}

// Dispose releases the serial port for good. Safe to call repeatedly.
func (h *Handle) Dispose() {
	h.portMutex.Lock()
	link := h.link
	h.link = nil
	h.portMutex.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			h.log.WithError(err).Warn("Error closing serial port.")
		}
	}
	h.setState(Disposed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
