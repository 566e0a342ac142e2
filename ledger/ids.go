package ledger

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Transaction ids are ULIDs: lexical order is creation order, which is what
// newest-first listing and the Before cursor rely on.
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID returns a monotonically increasing ULID for at.
func NewTransactionID(at time.Time) TransactionID {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return TransactionID(ulid.MustNew(ulid.Timestamp(at), ulidEntropy).String())
}

func NewHoldID() HoldID {
	return HoldID(uuid.NewString())
}

func NewWalletID() WalletID {
	return WalletID(uuid.NewString())
}
