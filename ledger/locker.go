package ledger

import "sync"

// =============================================================================
// LOCKER - One writer per (wallet, currency)
// =============================================================================

// Locker hands out a mutex per (wallet, currency) pair. Entries are reference
// counted and dropped once no goroutine holds or waits for them, so the map
// stays bounded by the number of pairs in flight.
//
// The check-then-act sequences of the engine (available balance check then
// hold insert; hold state check then debit) run entirely under this lock.
type Locker struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
}

type lockKey struct {
	wallet   WalletID
	currency Currency
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{entries: make(map[lockKey]*lockEntry)}
}

// Lock blocks until the pair is free and returns its unlock function.
func (l *Locker) Lock(walletID WalletID, currency Currency) (unlock func()) {
	k := lockKey{wallet: walletID, currency: currency}

	l.mu.Lock()
	e, ok := l.entries[k]
	if !ok {
		e = &lockEntry{}
		l.entries[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, k)
			}
			l.mu.Unlock()
		})
	}
}

// size is the number of live entries; tests use it to check cleanup.
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
