//go:build !linux

package opengse

func newPoller() (poller, error) {
	return nil, ErrUnsupportedPlatform
}
