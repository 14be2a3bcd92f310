package mesh

import "errors"

var (
	ErrClosed     = errors.New("mesh: already stopped")
	ErrNotStarted = errors.New("mesh: not started")
)
