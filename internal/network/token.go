package network

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Token is an admission token: a permit for one connection-handling slot. A ByteStream releases
// its token once the last of its clones is closed.
type Token interface {
	// Release returns the slot to the admission-control mechanism that issued the token.
	// Implementations must tolerate repeated calls and act only on the first.
	Release()
}

// detachedToken is held by streams that are not subject to admission control.
type detachedToken struct{}

// funcToken runs a release callback at most once.
type funcToken struct {
	release func()
	once    sync.Once
}

// NewToken creates a Token that invokes release exactly once, on the first call to Release.
func NewToken(release func()) Token {
	return &funcToken{release: release}
}

// Release noops.
func (detachedToken) Release() {}

// Release invokes the release callback if it has not already been invoked.
func (t *funcToken) Release() {
	t.once.Do(t.release)
}

// newSemaphoreToken creates a Token that frees one unit of sem when released.
func newSemaphoreToken(sem *semaphore.Weighted) Token {
	return NewToken(func() { sem.Release(1) })
}
