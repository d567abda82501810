package device

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialOptions describes how a serial instrument is opened.
type SerialOptions struct {
	Path        string        `yaml:"path" json:"path"`
	BaudRate    int           `yaml:"baud_rate" json:"baud_rate"`
	DataBits    int           `yaml:"data_bits" json:"data_bits"`
	StopBits    int           `yaml:"stop_bits" json:"stop_bits"`
	Parity      string        `yaml:"parity" json:"parity"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// Terminator ends each command and response line. Defaults to "\n".
	Terminator string `yaml:"terminator" json:"terminator"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if opts.Path == "" {
		return opts, fmt.Errorf("%w: serial path is required", ErrInvalidDevice)
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.Terminator == "" {
		opts.Terminator = "\n"
	}
	return opts, nil
}

// Mode converts the options into the serial.Mode used to open the port.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}

// openPort opens a serial port. Tests replace it.
var openPort = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// SerialDevice is a line-oriented instrument on a serial port.
//
// It implements Device, so it can be owned by a Cache:
//
//	cache.Link("psu", device.SerialFactory(device.SerialOptions{Path: "/dev/ttyUSB0"}))
type SerialDevice struct {
	opts SerialOptions

	mu   sync.Mutex
	port serial.Port
}

// NewSerial creates an unopened serial device.
func NewSerial(opts SerialOptions) *SerialDevice {
	return &SerialDevice{opts: opts}
}

// SerialFactory returns a Factory producing a SerialDevice for opts.
func SerialFactory(opts SerialOptions) Factory {
	return func() (Device, error) {
		if _, err := opts.Normalize(); err != nil {
			return nil, err
		}
		return NewSerial(opts), nil
	}
}

// Path returns the port path.
func (d *SerialDevice) Path() string {
	return d.opts.Path
}

// Open opens the port. Opening an open device is a no-op.
func (d *SerialDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return nil
	}

	opts, err := d.opts.Normalize()
	if err != nil {
		return err
	}
	mode, err := opts.Mode()
	if err != nil {
		return err
	}

	port, err := openPort(opts.Path, mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", opts.Path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("setting read timeout on %s: %w", opts.Path, err)
	}

	d.opts = opts
	d.port = port
	return nil
}

// Close closes the port. Closing a closed device is a no-op.
func (d *SerialDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", d.opts.Path, err)
	}
	return nil
}

// Write sends one command line.
func (d *SerialDevice) Write(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(cmd)
}

func (d *SerialDevice) writeLocked(cmd string) error {
	if d.port == nil {
		return ErrNotOpen
	}
	if _, err := d.port.Write([]byte(cmd + d.opts.Terminator)); err != nil {
		return fmt.Errorf("writing to %s: %w", d.opts.Path, err)
	}
	return nil
}

// Query sends cmd and returns the response line without its terminator.
func (d *SerialDevice) Query(cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeLocked(cmd); err != nil {
		return "", err
	}

	return d.readLineLocked()
}

// readLineLocked reads up to the terminator. The port returns (0, nil) when
// its read timeout lapses, so the overall wait is bounded here.
func (d *SerialDevice) readLineLocked() (string, error) {
	deadline := time.Now().Add(d.opts.ReadTimeout)
	term := []byte(d.opts.Terminator)

	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := d.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading from %s: %w", d.opts.Path, err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return "", fmt.Errorf("%w: no response from %s after %v", ErrReadTimeout, d.opts.Path, d.opts.ReadTimeout)
			}
			continue
		}
		line = append(line, buf[0])
		if bytes.HasSuffix(line, term) {
			return strings.TrimRight(string(line), "\r\n"), nil
		}
	}
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
