package opengse

import (
	"crypto/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// RequestedSessionStatus classifies the session id presented by a request.
type RequestedSessionStatus int

const (
	NoSession RequestedSessionStatus = iota
	SessionValid
	SessionInvalid
	SessionExpired
	BadSessionID
	BadSecureID
	WrongBackend
)

var requestedSessionStatusNames = [...]string{
	"NoSession", "Valid", "Invalid", "Expired", "BadSessionId", "BadSecureId", "WrongBackend",
}

func (s RequestedSessionStatus) String() string {
	if s < 0 || int(s) >= len(requestedSessionStatusNames) {
		return "Unknown"
	}
	return requestedSessionStatusNames[s]
}

// DefaultMaxInactiveInterval is the session inactivity timeout in seconds.
const DefaultMaxInactiveInterval = 30 * 60

// SessionCacheConfig configures a SessionCache. The zero value is usable.
type SessionCacheConfig struct {
	// ServerAddr is embedded in every id. Default: first non-loopback IPv4.
	ServerAddr net.IP
	// ServerIDExt is the extended server id, usually the listening port.
	// It may also be set once with SetServerIDExt.
	ServerIDExt uint32
	// MaxInactiveInterval in seconds for new sessions; <0 never expires.
	// Default DefaultMaxInactiveInterval.
	MaxInactiveInterval int
	// SecretKey keys the id tag, at most 64 bytes. Default: random per process.
	SecretKey []byte
	Logger    *zerolog.Logger
}

// SessionCache owns the sessions of one server identity.
//
// Expiry is checked on access: an expired session is removed the first time
// it is looked up or touched. StartSweeper adds periodic removal, which only
// changes when memory is released.
type SessionCache struct {
	logger         *zerolog.Logger
	key            []byte
	addr           uint32
	defaultTimeout int
	// ids issued before this unix ms come from a previous process
	startedMs int64
	now       func() int64

	idMu      sync.RWMutex
	ext       uint32
	generated int64

	sessions *xsync.MapOf[string, *Session]

	sweepMu    sync.Mutex
	sweepTimer *Timer
	sweepSched Scheduler
}

// NewSessionCache creates an empty cache.
func NewSessionCache(cfg SessionCacheConfig) (*SessionCache, error) {
	c := &SessionCache{
		logger:         loggerOrDefault(cfg.Logger),
		defaultTimeout: cfg.MaxInactiveInterval,
		ext:            cfg.ServerIDExt,
		startedMs:      time.Now().UnixMilli(),
		now:            absoluteNano,
		sessions:       xsync.NewMapOf[string, *Session](),
	}
	if c.defaultTimeout == 0 {
		c.defaultTimeout = DefaultMaxInactiveInterval
	}
	addr := cfg.ServerAddr
	if addr == nil {
		addr = detectServerAddr()
	}
	if addr.To4() == nil {
		return nil, errors.Errorf("opengse: server address %s is not IPv4", addr)
	}
	c.addr = ipToUint32(addr)
	switch {
	case len(cfg.SecretKey) > 64:
		return nil, errors.New("opengse: session secret key longer than 64 bytes")
	case len(cfg.SecretKey) > 0:
		c.key = append([]byte(nil), cfg.SecretKey...)
	default:
		c.key = make([]byte, 32)
		if _, err := rand.Read(c.key); err != nil {
			return nil, errors.Wrap(err, "session secret key")
		}
	}
	return c, nil
}

// ServerAddr returns the address embedded in generated ids.
func (c *SessionCache) ServerAddr() net.IP {
	return uint32ToIP(c.addr)
}

// ServerIDExt returns the extended server id.
func (c *SessionCache) ServerIDExt() uint32 {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.ext
}

// SetServerIDExt sets the extended server id. Changing it after ids were
// generated fails with ErrIllegalState.
func (c *SessionCache) SetServerIDExt(v uint32) error {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	if c.ext == v {
		return nil
	}
	if c.generated > 0 {
		return errors.Wrapf(ErrIllegalState, "server id ext is %d, %d ids already generated", c.ext, c.generated)
	}
	c.ext = v
	return nil
}

// GenerateID returns a fresh unguessable id carrying this server identity.
func (c *SessionCache) GenerateID() string {
	var random [sessionRandomLen]byte
	if _, err := rand.Read(random[:]); err != nil {
		panic("BUG: crypto/rand failed: " + err.Error())
	}
	c.idMu.Lock()
	c.generated++
	ext := c.ext
	c.idMu.Unlock()
	return encodeSessionID(c.key, c.addr, ext, time.Now().UnixMilli(), random[:])
}

// CreateSession stores a new session. When ctx is not nil the session is
// bound to the request and its cookie is set on the response.
func (c *SessionCache) CreateSession(ctx *RequestCtx) *Session {
	now := c.now()
	for {
		s := &Session{
			cache:        c,
			id:           c.GenerateID(),
			createdAt:    now,
			lastAccessed: now,
			maxInactive:  c.defaultTimeout,
			attrs:        make(map[string]any),
			isNew:        true,
		}
		if _, loaded := c.sessions.LoadOrStore(s.id, s); loaded {
			continue
		}
		if ctx != nil {
			ctx.bindSession(s)
		}
		return s
	}
}

// GetSession returns the live session for id and refreshes its access time.
func (c *SessionCache) GetSession(id string) (*Session, bool) {
	s, ok := c.sessions.Load(id)
	if !ok {
		return nil, false
	}
	if err := s.access(); err != nil {
		return nil, false
	}
	return s, true
}

// InvalidateSession removes the session for id.
func (c *SessionCache) InvalidateSession(id string) {
	if s, ok := c.sessions.LoadAndDelete(id); ok {
		s.markInvalid()
	}
}

// Len returns the number of stored sessions, expired ones included until
// they are noticed.
func (c *SessionCache) Len() int {
	return c.sessions.Size()
}

// Resolve looks up the session a request presented. A nil session comes
// with the status explaining why.
func (c *SessionCache) Resolve(ctx *RequestCtx, id string) (*Session, RequestedSessionStatus) {
	if id == "" {
		return nil, NoSession
	}
	info, err := DecodeSessionID(id)
	if err != nil {
		c.logBadID(ctx, id, BadSessionID, err)
		return nil, BadSessionID
	}
	if !c.ownsID(&info) {
		c.logBadID(ctx, id, WrongBackend, nil)
		return nil, WrongBackend
	}
	if s, ok := c.GetSession(id); ok {
		s.join()
		return s, SessionValid
	}
	return nil, c.postMortem(ctx, id, &info)
}

// InvalidSessionPostMortem explains why id, presented by a request, does not
// resolve to a live session. It does not consult the session map.
func (c *SessionCache) InvalidSessionPostMortem(ctx *RequestCtx, id string) RequestedSessionStatus {
	if id == "" {
		return NoSession
	}
	info, err := DecodeSessionID(id)
	if err != nil {
		c.logBadID(ctx, id, BadSessionID, err)
		return BadSessionID
	}
	if !c.ownsID(&info) {
		c.logBadID(ctx, id, WrongBackend, nil)
		return WrongBackend
	}
	return c.postMortem(ctx, id, &info)
}

func (c *SessionCache) postMortem(ctx *RequestCtx, id string, info *SessionIDInfo) RequestedSessionStatus {
	// the key changes across restarts, so age is checked before the tag
	if info.issuedMs < c.startedMs {
		c.logger.Info().Str("session", abbrevID(id)).Time("issued", info.IssuedAt).Msg("session id predates server restart")
		return SessionExpired
	}
	if !info.verify(c.key) {
		c.logBadID(ctx, id, BadSecureID, nil)
		return BadSecureID
	}
	return SessionInvalid
}

func (c *SessionCache) ownsID(info *SessionIDInfo) bool {
	return info.addr == c.addr && info.ServerIDExt == c.ServerIDExt()
}

func (c *SessionCache) logBadID(ctx *RequestCtx, id string, st RequestedSessionStatus, err error) {
	ev := c.logger.Warn().Str("session", abbrevID(id)).Stringer("status", st)
	if err != nil {
		ev = ev.Err(err)
	}
	if ctx != nil {
		ev = ev.Stringer("remote", ctx.RemoteAddr())
	}
	ev.Msg("rejected session id")
}

func abbrevID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func (c *SessionCache) expire(s *Session, reason string) {
	removed := false
	c.sessions.Compute(s.id, func(old *Session, loaded bool) (*Session, bool) {
		removed = loaded && old == s
		return old, !loaded || old == s
	})
	if removed {
		c.logger.Info().Str("session", abbrevID(s.id)).Str("reason", reason).Msg("session expired")
	}
}

// StartSweeper removes expired sessions every interval using sched.
func (c *SessionCache) StartSweeper(sched Scheduler, interval time.Duration) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepSched != nil {
		return
	}
	c.sweepSched = sched
	c.scheduleSweepLocked(interval)
}

// StopSweeper cancels periodic removal.
func (c *SessionCache) StopSweeper() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepSched != nil {
		c.sweepSched.Cancel(c.sweepTimer)
	}
	c.sweepSched, c.sweepTimer = nil, nil
}

func (c *SessionCache) scheduleSweepLocked(interval time.Duration) {
	sched := c.sweepSched
	c.sweepTimer = sched.Schedule(interval, func() {
		sched.Submit(func() {
			c.Sweep()
			c.sweepMu.Lock()
			if c.sweepSched == sched {
				c.scheduleSweepLocked(interval)
			}
			c.sweepMu.Unlock()
		})
	})
}

// Sweep removes every expired session and returns how many were removed.
func (c *SessionCache) Sweep() int {
	now := c.now()
	var expired []*Session
	c.sessions.Range(func(_ string, s *Session) bool {
		if s.expiredAt(now) {
			expired = append(expired, s)
		}
		return true
	})
	for _, s := range expired {
		s.markInvalid()
		c.expire(s, "sweep")
	}
	return len(expired)
}

// Session is a server-side attribute map bound to a client by its id.
type Session struct {
	cache     *SessionCache
	id        string
	createdAt int64

	mu           sync.Mutex
	lastAccessed int64
	maxInactive  int
	attrs        map[string]any
	isNew        bool
	invalid      bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreationTime returns when the session was created.
func (s *Session) CreationTime() time.Time { return absoluteToLocal(s.createdAt) }

// LastAccessedTime returns the last time a request touched the session.
func (s *Session) LastAccessedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return absoluteToLocal(s.lastAccessed)
}

// IsNew reports whether the client has not yet returned the id.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// MaxInactiveInterval returns the inactivity timeout in seconds.
func (s *Session) MaxInactiveInterval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactive
}

// SetMaxInactiveInterval sets the inactivity timeout; <=0 never expires.
func (s *Session) SetMaxInactiveInterval(seconds int) {
	s.mu.Lock()
	s.maxInactive = seconds
	s.mu.Unlock()
}

// Attribute returns the named attribute, nil if unset.
func (s *Session) Attribute(name string) (any, error) {
	if err := s.access(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[name], nil
}

// SetAttribute stores value under name; a nil value removes it.
func (s *Session) SetAttribute(name string, value any) error {
	if err := s.access(); err != nil {
		return err
	}
	s.mu.Lock()
	if value == nil {
		delete(s.attrs, name)
	} else {
		s.attrs[name] = value
	}
	s.mu.Unlock()
	return nil
}

// RemoveAttribute deletes the named attribute.
func (s *Session) RemoveAttribute(name string) error {
	return s.SetAttribute(name, nil)
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() ([]string, error) {
	if err := s.access(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		names = append(names, k)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

// Invalidate removes the session from its cache.
func (s *Session) Invalidate() {
	s.cache.InvalidateSession(s.id)
	s.markInvalid()
}

func (s *Session) expiredAt(now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked(now)
}

func (s *Session) expiredLocked(now int64) bool {
	return s.maxInactive > 0 && now-s.lastAccessed > int64(s.maxInactive)*int64(time.Second)
}

// access refreshes the access time of a live session.
func (s *Session) access() error {
	now := s.cache.now()
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return ErrSessionInvalid
	}
	if s.expiredLocked(now) {
		s.invalid = true
		s.mu.Unlock()
		s.cache.expire(s, "inactive")
		return ErrSessionExpired
	}
	s.lastAccessed = now
	s.mu.Unlock()
	return nil
}

func (s *Session) join() {
	s.mu.Lock()
	s.isNew = false
	s.mu.Unlock()
}

func (s *Session) markInvalid() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}
