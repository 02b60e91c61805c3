package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connLimits tracks per-IP and per-user connection counts. Acquire checks and
// increments in one critical section, so two connections racing through the
// asynchronous authentication step cannot both slip past the limit.
type connLimits struct {
	maxPerIP   int
	maxPerUser int

	mu      sync.Mutex
	perIP   map[string]int
	perUser map[string]int
}

func newConnLimits(maxPerIP, maxPerUser int) *connLimits {
	return &connLimits{
		maxPerIP:   maxPerIP,
		maxPerUser: maxPerUser,
		perIP:      make(map[string]int),
		perUser:    make(map[string]int),
	}
}

// acquire reserves a connection slot for (ip, user), or reports the exceeded
// dimension. Called only after credential validation so unauthenticated
// callers learn nothing about limits.
func (l *connLimits) acquire(ip, user string) *LimitError {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perIP[ip] >= l.maxPerIP {
		return &LimitError{Dimension: DimensionIP, Limit: l.maxPerIP}
	}
	if l.perUser[user] >= l.maxPerUser {
		return &LimitError{Dimension: DimensionUser, Limit: l.maxPerUser}
	}
	l.perIP[ip]++
	l.perUser[user]++
	return nil
}

// release frees the slot taken by acquire. Reports whether this was the
// user's last connection.
func (l *connLimits) release(ip, user string) (lastForUser bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perIP[ip] > 0 {
		l.perIP[ip]--
		if l.perIP[ip] == 0 {
			delete(l.perIP, ip)
		}
	}
	if l.perUser[user] > 0 {
		l.perUser[user]--
		if l.perUser[user] == 0 {
			delete(l.perUser, user)
			return true
		}
	}
	return false
}

// counts reports total connections, unique users and unique IPs.
func (l *connLimits) counts() (total, users, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, n := range l.perUser {
		total += n
	}
	return total, len(l.perUser), len(l.perIP)
}

// peaks reports the highest live connection count of any single IP and any
// single user.
func (l *connLimits) peaks() (ip, user int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, n := range l.perIP {
		if n > ip {
			ip = n
		}
	}
	for _, n := range l.perUser {
		if n > user {
			user = n
		}
	}
	return ip, user
}

// messageLimiter enforces the per-client messages-per-second budget. It is
// owned by a single read pump and needs no locking.
type messageLimiter struct {
	limiter   *rate.Limiter
	perSecond int

	windowStart time.Time
	seen        int
	advised     bool
}

func newMessageLimiter(perSecond int) *messageLimiter {
	return &messageLimiter{
		limiter:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
		perSecond: perSecond,
	}
}

// allow consumes one message. advise is true at most once per one-second
// window, when the client crosses 80% of its budget.
func (l *messageLimiter) allow(now time.Time) (ok, advise bool) {
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.seen = 0
		l.advised = false
	}
	l.seen++

	ok = l.limiter.AllowN(now, 1)
	if ok && !l.advised && l.seen*10 >= l.perSecond*8 {
		l.advised = true
		advise = true
	}
	return ok, advise
}
