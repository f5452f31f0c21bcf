package hardware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial port surface the body driver needs.
// With a read timeout set, Read returns (0, nil) when nothing arrived in time.
type Port interface {
	io.ReadWriteCloser
}

// PortOptions describes the serial connection to the body controller.
type PortOptions struct {
	BaudRate     int           `yaml:"baud_rate"`
	DataBits     int           `yaml:"data_bits"`
	StopBits     int           `yaml:"stop_bits"`
	Parity       string        `yaml:"parity"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
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
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 500 * time.Millisecond
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial opens ports with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Serial talks to the body microcontroller with one ASCII command per line.
//
//	DIST?                         -> DIST <cm> | DIST NONE
//	POSTURE ON|OFF, STEP, TURN,
//	ALERT ON|OFF, SHUTDOWN        -> OK | ERR <msg>
//
// Commands are serialized; each waits for its reply line.
type Serial struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	pending []byte

	logger *log.Logger
}

// OpenSerial opens the port at path. An empty path yields ErrNoDevice.
func OpenSerial(path string, opts PortOptions) (*Serial, error) {
	if path == "" {
		return nil, ErrNoDevice
	}

	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	normalized, _ := opts.Normalize()

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(normalized.ReplyTimeout / 5); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return NewSerial(port, normalized.ReplyTimeout), nil
}

// NewSerial wraps an already open port.
func NewSerial(port Port, replyTimeout time.Duration) *Serial {
	if replyTimeout <= 0 {
		replyTimeout = 500 * time.Millisecond
	}
	return &Serial{
		port:    port,
		timeout: replyTimeout,
		logger:  log.Default(),
	}
}

// Distance asks the ultrasonic sensor for a reading.
func (s *Serial) Distance() (Reading, error) {
	reply, err := s.command("DIST?")
	if err != nil {
		return NoReading, err
	}
	return parseDistance(reply)
}

func (s *Serial) StartPatrolPosture() error { return s.expectOK("POSTURE ON") }

func (s *Serial) StopPatrolPosture() error { return s.expectOK("POSTURE OFF") }

func (s *Serial) PerformPatrolStep() error { return s.expectOK("STEP") }

func (s *Serial) PerformTurn() error { return s.expectOK("TURN") }

func (s *Serial) StartAlertReaction() error { return s.expectOK("ALERT ON") }

func (s *Serial) StopAlertReaction() error { return s.expectOK("ALERT OFF") }

// Shutdown parks the body and closes the port. The port is closed even if the body does not answer.
func (s *Serial) Shutdown() error {
	cmdErr := s.expectOK("SHUTDOWN")

	s.mu.Lock()
	defer s.mu.Unlock()
	closeErr := s.port.Close()

	return errors.Join(cmdErr, closeErr)
}

func (s *Serial) expectOK(cmd string) error {
	reply, err := s.command(cmd)
	if err != nil {
		return err
	}
	switch {
	case reply == "OK":
		return nil
	case strings.HasPrefix(reply, "ERR"):
		return fmt.Errorf("%s: body error: %s", cmd, strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
	default:
		return fmt.Errorf("%s: unexpected reply %q", cmd, reply)
	}
}

func (s *Serial) command(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("%s: write: %w", cmd, err)
	}

	reply, err := s.readLine()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return reply, nil
}

// readLine returns the next non-empty line, waiting at most s.timeout.
func (s *Serial) readLine() (string, error) {
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, 64)

	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = s.pending[i+1:]
			if line != "" {
				return line, nil
			}
			continue
		}

		if time.Now().After(deadline) {
			return "", errors.New("timeout waiting for reply")
		}

		n, err := s.port.Read(buf)
		s.pending = append(s.pending, buf[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func parseDistance(reply string) (Reading, error) {
	fields := strings.Fields(reply)
	if len(fields) != 2 || fields[0] != "DIST" {
		return NoReading, fmt.Errorf("DIST?: unexpected reply %q", reply)
	}
	if fields[1] == "NONE" {
		return NoReading, nil
	}

	cm, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return NoReading, fmt.Errorf("DIST?: bad distance %q: %w", fields[1], err)
	}
	if cm <= 0 {
		return NoReading, nil
	}
	return Reading{Centimeters: cm, Valid: true}, nil
}
