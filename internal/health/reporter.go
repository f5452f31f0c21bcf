package health

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Adam-Doria/GuardDog/internal/contracts"
	"github.com/Adam-Doria/GuardDog/internal/lifecycle"
)

// StateSource fills the controller part of a heartbeat.
type StateSource interface {
	HealthState() contracts.Health
}

// Publisher sends a heartbeat to the operator system.
type Publisher interface {
	PublishHealth(ctx context.Context, h contracts.Health) error
}

// Recorder stores a heartbeat, e.g. in the Redis presence registry.
type Recorder interface {
	RecordHealth(ctx context.Context, health any) error
}

// Reporter publishes a heartbeat every interval.
type Reporter struct {
	robotID   string
	collector *Collector
	state     StateSource
	link      Publisher
	journal   Recorder
	interval  time.Duration

	loop   *lifecycle.Loop
	logger *log.Logger
}

// NewReporter creates a stopped reporter. link and journal may be nil.
func NewReporter(robotID string, collector *Collector, state StateSource, link Publisher, journal Recorder, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		robotID:   robotID,
		collector: collector,
		state:     state,
		link:      link,
		journal:   journal,
		interval:  interval,
		loop:      lifecycle.New("heartbeat"),
		logger:    log.Default(),
	}
}

// Start launches the heartbeat loop.
func (r *Reporter) Start(ctx context.Context) {
	if err := r.loop.Start(ctx, r.run); err != nil {
		return
	}
	r.logger.Printf("INFO: Heartbeat every %v", r.interval)
}

// Stop ends the heartbeat loop.
func (r *Reporter) Stop(timeout time.Duration) bool {
	return r.loop.Stop(timeout)
}

func (r *Reporter) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Beat(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Snapshot builds one heartbeat without sending it.
func (r *Reporter) Snapshot(ctx context.Context) contracts.Health {
	h := r.state.HealthState()
	h.HealthID = uuid.NewString()
	h.RobotID = r.robotID
	h.Timestamp = time.Now().UTC()

	if r.collector != nil {
		m := r.collector.Collect(ctx)
		h.CPUPercent = m.CPUPercent
		h.RAMPercent = m.RAMPercent
		h.RAMUsedMB = m.RAMUsedMB
		h.RAMTotalMB = m.RAMTotalMB
		h.TempCelsius = m.TempCelsius
	}
	return h
}

// Beat builds and sends one heartbeat. A down link is not an error worth logging.
func (r *Reporter) Beat(ctx context.Context) contracts.Health {
	h := r.Snapshot(ctx)
	if h.Overheated() {
		r.logger.Printf("WARN: CPU at %.1f°C", h.TempCelsius)
	}

	if r.link != nil {
		if err := r.link.PublishHealth(ctx, h); err != nil && ctx.Err() == nil {
			r.logger.Printf("DEBUG: Heartbeat not published: %v", err)
		}
	}
	if r.journal != nil {
		if err := r.journal.RecordHealth(ctx, h); err != nil && ctx.Err() == nil {
			r.logger.Printf("WARN: Heartbeat not recorded: %v", err)
		}
	}
	return h
}
