// Package mode holds the robot's operating mode and broadcasts changes to subscribers.
package mode

import "fmt"

// Mode is the robot's behavioral state.
type Mode int32

const (
	// Patrol is the roaming state: the robot walks, senses obstacles and watches for intruders.
	Patrol Mode = iota
	// Alert is entered on a confirmed detection and held until the operator lifts it.
	Alert
)

// String returns the lowercase wire name of the mode ("patrol" or "alert").
func (m Mode) String() string {
	switch m {
	case Patrol:
		return "patrol"
	case Alert:
		return "alert"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// Subscriber receives mode notifications.
//
// Implementations must be comparable (use pointer receivers) since the Subject
// deduplicates registrations by equality. OnModeChanged runs on the goroutine that
// called SetMode and must not block indefinitely or call SetMode itself.
type Subscriber interface {
	OnModeChanged(m Mode) error
}
