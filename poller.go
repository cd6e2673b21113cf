package opengse

// Interest is a set of readiness conditions a connection waits for.
type Interest uint32

const (
	EventRead Interest = 1 << iota
	EventWrite
	// EventError is reported, never requested: hang-up, reset or socket error.
	EventError
)

type pollEvent struct {
	fd int
	ev Interest
}

// poller is the OS multiplexer owned by a Reactor.
//
// Every registration is one-shot: after an fd is reported it stays silent
// until rearm is called for it again.
type poller interface {
	add(fd int, ev Interest) error
	rearm(fd int, ev Interest) error
	remove(fd int) error
	// wait blocks for at most msec milliseconds (forever when msec < 0).
	wait(events []pollEvent, msec int) (int, error)
	// wake interrupts a concurrent wait.
	wake() error
	close() error
}
