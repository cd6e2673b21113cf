package opengse

import "github.com/pkg/errors"

var (
	// ErrNoMatchingRoute means a dispatch class lost its universal fallback entry.
	ErrNoMatchingRoute = errors.New("opengse: no matching route")
	// ErrBadPattern is returned for patterns that do not compile or carry more than one capturing group.
	ErrBadPattern = errors.New("opengse: bad route pattern")
	// ErrUnknownDispatch is returned for a DispatchClass outside the four known classes.
	ErrUnknownDispatch = errors.New("opengse: unknown dispatch class")

	ErrConnClosed     = errors.New("opengse: connection closed")
	ErrNotAttached    = errors.New("opengse: no goroutine attached to connection")
	ErrReactorClosed  = errors.New("opengse: reactor closed")
	ErrIdleTimeout    = errors.New("opengse: connection idle timeout")
	ErrWriteTimeout   = errors.New("opengse: connection write timeout")
	ErrTransferClosed = errors.New("opengse: transfer already started")

	// ErrUnsupportedPlatform is returned by NewReactor where epoll is unavailable.
	ErrUnsupportedPlatform = errors.New("opengse: reactor requires epoll, platform not supported")

	ErrIllegalState      = errors.New("opengse: illegal state")
	ErrHandlerPanic      = errors.New("opengse: handler panicked")
	ErrSessionExpired    = errors.New("opengse: session expired")
	ErrSessionInvalid    = errors.New("opengse: session invalidated")
	ErrRequestTooLarge   = errors.New("opengse: request exceeds MaxRequestSize")
	ErrChunkedNotAllowed = errors.New("opengse: chunked request bodies are not supported")
)
