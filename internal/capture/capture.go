package capture

import (
	"errors"

	"github.com/factlens/desktop/internal/logging"
)

var log = logging.L("capture")

var (
	// ErrDeviceDenied means the OS or the user refused microphone access.
	ErrDeviceDenied = errors.New("capture: microphone access denied")
	// ErrDeviceUnavailable covers every other acquisition failure.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")
	// ErrDeviceLost is reported through fail when capture ends on its own.
	ErrDeviceLost = errors.New("capture: microphone lost")
	// ErrAlreadyRunning is returned by Start on a device that is capturing.
	ErrAlreadyRunning = errors.New("capture: device already running")
)

// Device is an audio-only capture source. Start acquires the microphone and
// begins calling deliver once per interval with the audio produced since the
// previous call. Stop halts production, delivers whatever is still buffered
// and releases the device before returning. deliver is never called after
// Stop returns and never concurrently with itself.
//
// fail is called at most once, when capture ends before Stop was asked for
// (recorder crash, device unplugged). Delivery has ended by then; the caller
// still calls Stop to release the device.
type Device interface {
	Start(deliver func([]byte), fail func(error)) error
	Stop() error
	// ContentType is the container format of the delivered bytes.
	ContentType() string
}
