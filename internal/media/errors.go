package media

import "errors"

var (
	ErrClosed             = errors.New("media provider closed")
	ErrNoLocalTracks      = errors.New("local tracks not acquired")
	ErrExchangeRejected   = errors.New("media server rejected offer")
	ErrConnectionFailed   = errors.New("media connection failed")
	ErrConnectionDegraded = errors.New("media connection interrupted")
)
