package camera

import "context"

// Opener is implemented by frame sources that hold a device or connection.
// Open must be safe to call on an open source; Close releases it and clears any buffered frame.
type Opener interface {
	Open(ctx context.Context) error
	Close() error
}

var _ Opener = (*HTTPSource)(nil)
