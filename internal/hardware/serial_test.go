package hardware

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakeBody answers each command line with a canned reply.
type fakeBody struct {
	mu       sync.Mutex
	replies  map[string]string
	out      bytes.Buffer
	commands []string
	closed   bool
	writeErr error
}

func newFakeBody(replies map[string]string) *fakeBody {
	return &fakeBody{replies: replies}
}

func (b *fakeBody) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.writeErr != nil {
		return 0, b.writeErr
	}
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		b.commands = append(b.commands, line)
		reply, ok := b.replies[line]
		if !ok {
			reply = "OK"
		}
		if reply != "" {
			b.out.WriteString(reply + "\r\n")
		}
	}
	return len(p), nil
}

// Read behaves like a port with a read timeout: (0, nil) when idle.
func (b *fakeBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.out.Len() == 0 {
		return 0, nil
	}
	return b.out.Read(p)
}

func (b *fakeBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBody) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

func TestSerial_CommandsRoundTrip(t *testing.T) {
	body := newFakeBody(nil)
	drv := NewSerial(body, 100*time.Millisecond)

	require.NoError(t, drv.StartPatrolPosture())
	require.NoError(t, drv.PerformPatrolStep())
	require.NoError(t, drv.PerformTurn())
	require.NoError(t, drv.StartAlertReaction())
	require.NoError(t, drv.StopAlertReaction())
	require.NoError(t, drv.StopPatrolPosture())

	assert.Equal(t, []string{"POSTURE ON", "STEP", "TURN", "ALERT ON", "ALERT OFF", "POSTURE OFF"}, body.sent())
}

func TestSerial_Distance(t *testing.T) {
	tests := []struct {
		reply string
		want  Reading
	}{
		{"DIST 15", Reading{Centimeters: 15, Valid: true}},
		{"DIST 42.5", Reading{Centimeters: 42.5, Valid: true}},
		{"DIST NONE", NoReading},
		{"DIST -1", NoReading},
		{"DIST 0", NoReading},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			drv := NewSerial(newFakeBody(map[string]string{"DIST?": tt.reply}), 100*time.Millisecond)
			got, err := drv.Distance()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerial_DistanceGarbage(t *testing.T) {
	drv := NewSerial(newFakeBody(map[string]string{"DIST?": "HELLO"}), 100*time.Millisecond)
	got, err := drv.Distance()
	assert.Error(t, err)
	assert.False(t, got.Valid)
}

func TestSerial_ErrReply(t *testing.T) {
	drv := NewSerial(newFakeBody(map[string]string{"STEP": "ERR servo stalled"}), 100*time.Millisecond)
	err := drv.PerformPatrolStep()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "servo stalled")
}

func TestSerial_ReplyTimeout(t *testing.T) {
	drv := NewSerial(newFakeBody(map[string]string{"TURN": ""}), 30*time.Millisecond)

	start := time.Now()
	err := drv.PerformTurn()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSerial_WriteError(t *testing.T) {
	body := newFakeBody(nil)
	body.writeErr = errors.New("unplugged")
	drv := NewSerial(body, 30*time.Millisecond)

	_, err := drv.Distance()
	assert.ErrorContains(t, err, "unplugged")
}

func TestSerial_ShutdownClosesPort(t *testing.T) {
	body := newFakeBody(map[string]string{"SHUTDOWN": "ERR busy"})
	drv := NewSerial(body, 30*time.Millisecond)

	err := drv.Shutdown()
	assert.Error(t, err)
	assert.True(t, body.closed)
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	mode, err = PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	_, err = PortOptions{Parity: "mark"}.SerialMode()
	assert.Error(t, err)
	_, err = PortOptions{DataBits: 9}.SerialMode()
	assert.Error(t, err)
}

func TestOpen_FallsBackToNoop(t *testing.T) {
	_, err := OpenSerial("", PortOptions{})
	assert.ErrorIs(t, err, ErrNoDevice)

	assert.IsType(t, &Noop{}, Open("", PortOptions{}))
	assert.IsType(t, &Noop{}, Open("/dev/does-not-exist-guarddog", PortOptions{}))
}

func TestNoop_NeverSensesObstacle(t *testing.T) {
	n := NewNoop()
	r, err := n.Distance()
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.NoError(t, n.PerformPatrolStep())
	assert.NoError(t, n.Shutdown())
}
