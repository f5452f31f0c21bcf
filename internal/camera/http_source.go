package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// ErrUnavailable is returned by Open when the camera cannot deliver a first frame.
var ErrUnavailable = errors.New("camera unavailable")

const maxSnapshotBytes = 8 << 20

// HTTPSource polls a JPEG snapshot endpoint (e.g. the robot's camera web server)
// and keeps the newest image in a Buffer.
//
// Open performs one synchronous fetch; if it fails the source is considered
// unavailable. Afterwards a background goroutine polls at the configured rate.
// Poll failures are logged and the last good frame is dropped from the buffer.
type HTTPSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	buf      *Buffer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHTTPSource creates a source for snapshotURL polled fps times per second.
func NewHTTPSource(snapshotURL string, fps int, timeout time.Duration) *HTTPSource {
	if fps <= 0 {
		fps = 10
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{
		url:      snapshotURL,
		interval: time.Second / time.Duration(fps),
		client:   &http.Client{Timeout: timeout},
		buf:      NewBuffer(),
		logger:   log.Default(),
	}
}

// Open fetches a first frame and starts polling. Calling Open on an open source is a no-op.
func (s *HTTPSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.buf.Publish(data, time.Now())

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poll(pollCtx)
	}()

	s.logger.Printf("INFO: Camera opened at %s (every %v)", s.url, s.interval)
	return nil
}

// Close stops polling and clears the buffer.
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.buf.Reset()
	s.logger.Printf("INFO: Camera closed")
	return nil
}

// LatestFrame returns the newest polled frame.
func (s *HTTPSource) LatestFrame() (*Frame, bool) {
	return s.buf.LatestFrame()
}

func (s *HTTPSource) poll(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !failing {
				s.logger.Printf("WARN: Camera snapshot failed: %v", err)
				failing = true
			}
			s.buf.Reset()
			continue
		}
		if failing {
			s.logger.Printf("INFO: Camera snapshots recovered")
			failing = false
		}
		s.buf.Publish(data, time.Now())
	}
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot bad status: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty snapshot")
	}
	return data, nil
}
