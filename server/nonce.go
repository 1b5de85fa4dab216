package main

import (
	"sync"

	. "github.com/illumidesk/ltihub/types"
)

// NonceWindow is how far an oauth_timestamp may drift from the server
// clock, in seconds. Nonces outside the window are rejected outright, so
// the ledger only ever needs to remember the window's worth of buckets.
const NonceWindow = 30

// nonceLedger records (timestamp, nonce) pairs seen within the validity
// window. Replay protection is per process: running multiple authenticator
// replicas needs an external shared store instead.
type nonceLedger struct {
	sync.Mutex
	seen map[int64]map[string]bool
}

func newNonceLedger() *nonceLedger {
	return &nonceLedger{seen: make(map[int64]map[string]bool)}
}

// expire drops timestamp buckets outside the window around now.
// Callers must hold the lock.
func (l *nonceLedger) expire(now int64) {
	for ts := range l.seen {
		if ts < now-NonceWindow || ts > now+NonceWindow {
			delete(l.seen, ts)
		}
	}
}

// Record registers the pair, failing with ReplayError if it was already
// seen. The pair is the replay key: the same nonce at a different
// timestamp is a fresh pair.
func (l *nonceLedger) Record(now, timestamp int64, nonce string) error {
	l.Lock()
	defer l.Unlock()

	l.expire(now)

	bucket := l.seen[timestamp]
	if bucket == nil {
		bucket = make(map[string]bool)
		l.seen[timestamp] = bucket
	}
	if bucket[nonce] {
		return &ReplayError{Timestamp: timestamp, Nonce: nonce}
	}
	bucket[nonce] = true
	return nil
}
