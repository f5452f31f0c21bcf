// Package hardware drives the robot body: distance sensor, legs and alert outputs.
package hardware

import (
	"errors"
	"log"
)

// ErrNoDevice is returned when no body controller is configured.
var ErrNoDevice = errors.New("no hardware device")

// Reading is one distance measurement. Valid is false when the sensor saw nothing.
type Reading struct {
	Centimeters float64
	Valid       bool
}

// NoReading is the reading used when the sensor reports nothing in range.
var NoReading = Reading{}

// Driver is the contract the controller and patrol worker use to move the robot.
// Every call is short and may be made from any goroutine.
type Driver interface {
	Distance() (Reading, error)
	StartPatrolPosture() error
	StopPatrolPosture() error
	PerformPatrolStep() error
	PerformTurn() error
	StartAlertReaction() error
	StopAlertReaction() error
	Shutdown() error
}

// Noop logs commands instead of moving anything. It never senses an obstacle.
type Noop struct {
	logger *log.Logger
}

// NewNoop creates a driver for running without a body.
func NewNoop() *Noop {
	return &Noop{logger: log.Default()}
}

func (n *Noop) Distance() (Reading, error) { return NoReading, nil }

func (n *Noop) StartPatrolPosture() error { return n.log("posture on") }

func (n *Noop) StopPatrolPosture() error { return n.log("posture off") }

func (n *Noop) PerformPatrolStep() error { return n.log("step") }

func (n *Noop) PerformTurn() error { return n.log("turn") }

func (n *Noop) StartAlertReaction() error { return n.log("alert on") }

func (n *Noop) StopAlertReaction() error { return n.log("alert off") }

func (n *Noop) Shutdown() error { return n.log("shutdown") }

func (n *Noop) log(action string) error {
	n.logger.Printf("DEBUG: [noop body] %s", action)
	return nil
}

// Open returns a serial driver for path, or a Noop driver when path is empty or
// the port cannot be opened. The robot keeps running without a body.
func Open(path string, opts PortOptions) Driver {
	drv, err := OpenSerial(path, opts)
	switch {
	case errors.Is(err, ErrNoDevice):
		log.Printf("WARN: No serial port configured, using no-op body driver")
		return NewNoop()
	case err != nil:
		log.Printf("WARN: Serial body unavailable (%v), using no-op body driver", err)
		return NewNoop()
	}
	log.Printf("INFO: Serial body connected on %s", path)
	return drv
}
