package serial

import (
	"fmt"
	"os"
	"slices"

	"github.com/tarm/serial"
)

// DefaultBaud is the NMEA 0183 high-speed rate used for AIS.
const DefaultBaud = 38400

// consoleDevices are embedded console UARTs that boot at a different speed
// and must be switched to 38400 8N1 raw before NMEA output.
var consoleDevices = []string{"/dev/ttyO0"}

// Port abstracts tarm/serial and plain device files for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Options control how a device is opened.
type Options struct {
	// Baud applies when the device is reconfigured.
	Baud int
	// Raw forces 8N1 raw reconfiguration on any device, not only known consoles.
	Raw bool
}

// IsConsoleDevice reports whether name is a known embedded console UART.
func IsConsoleDevice(name string) bool { return slices.Contains(consoleDevices, name) }

// Open opens name for writing. Known console devices (or any device when
// opts.Raw is set) are configured to opts.Baud, 8 data bits, no parity, one
// stop bit, no flow control, raw mode. Other devices are opened as-is.
func Open(name string, opts Options) (Port, error) {
	if IsConsoleDevice(name) || opts.Raw {
		baud := opts.Baud
		if baud <= 0 {
			baud = DefaultBaud
		}
		cfg := &serial.Config{Name: name, Baud: baud, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1}
		p, err := serial.OpenPort(cfg)
		if err != nil {
			return nil, fmt.Errorf("open %s @%d: %w", name, baud, err)
		}
		return p, nil
	}
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}
