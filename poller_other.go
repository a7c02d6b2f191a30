//go:build !linux

package coloop

func newDefaultPoller(int) (Poller, error) {
	return nil, ErrPollerUnsupported
}
