// Package contracts defines the payloads exchanged with the operator system.
// Every outbound payload has a matching JSON Schema in internal/validator/schemas.
package contracts

import (
	"time"
)

// Contract type names. They double as schema names and remote event names.
const (
	TypeRegister         = "register"
	TypeIntruderDetected = "intruder-detected"
	TypeHealth           = "health"
	TypeDisableAlert     = "disable-alert"
)

// Register announces the robot to the operator system after every connect.
type Register struct {
	Type string `json:"type"` // Always "robot"
	ID   string `json:"id"`   // Robot identifier (e.g., "chien-001")
}

// NewRegister returns the register payload for robotID.
func NewRegister(robotID string) Register {
	return Register{Type: "robot", ID: robotID}
}

// IntruderDetected is emitted once per debounced trigger.
type IntruderDetected struct {
	// Required fields (per intruder-detected.schema.json)
	EventID    string  `json:"event_id"`   // UUID of the trigger
	Category   string  `json:"category"`   // Detected label (e.g., "Man")
	Confidence float64 `json:"confidence"` // Percentage (0-100)
	Timestamp  int64   `json:"timestamp"`  // Unix milliseconds
	RobotID    string  `json:"robot_id"`   // Emitting robot

	// Optional fields
	Image string `json:"image,omitempty"` // Base64 JPEG of the triggering frame
}

// At returns the event timestamp as a time.Time.
func (e IntruderDetected) At() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Health is the periodic heartbeat published on the link and recorded in the journal.
type Health struct {
	HealthID  string    `json:"health_id"` // UUID per heartbeat
	RobotID   string    `json:"robot_id"`
	Timestamp time.Time `json:"timestamp"`

	// Controller state
	Mode            string `json:"mode"`             // "patrol" or "alert"
	Link            string `json:"link"`             // "connected" or "disconnected"
	FailSafe        bool   `json:"failsafe_engaged"` // True while hardware is held neutral
	Detection       string `json:"detection"`        // Detection loop state
	Patrol          string `json:"patrol"`           // Patrol loop state
	Streak          int    `json:"streak"`
	LastTriggerAtMs int64  `json:"last_trigger_at_ms,omitempty"` // 0 if no trigger yet

	// System metrics
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	RAMUsedMB   int64   `json:"ram_used_mb"`
	RAMTotalMB  int64   `json:"ram_total_mb"`
	TempCelsius float64 `json:"temp_celsius"` // 0 if unavailable
}

// Overheated reports whether the CPU is above the 80°C throttling point of a Raspberry Pi.
func (h Health) Overheated() bool {
	return h.TempCelsius > 80
}
