package connectivity

import "context"

// StaticSource is a software-only signal source driven by Set calls.
// It serves headless environments and tests.
type StaticSource struct {
	ch chan Signal
}

func NewStaticSource() *StaticSource {
	return &StaticSource{ch: make(chan Signal, 16)}
}

func (s *StaticSource) Signals(ctx context.Context) (<-chan Signal, error) {
	return s.ch, nil
}

// Set publishes a raw observation. It drops the signal rather than block
// when the consumer has fallen far behind.
func (s *StaticSource) Set(sig Signal) {
	select {
	case s.ch <- sig:
	default:
	}
}
