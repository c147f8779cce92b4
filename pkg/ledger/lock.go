package ledger

import (
	"github.com/hitechos/factory/pkg/locks"
)

// acquireLedgerLock serializes appends across processes with the bounded
// retry the ledger contract requires.
func acquireLedgerLock(path string) (*locks.Lock, error) {
	return locks.AcquireWithTimeout(path, "ledger.append", nil, LockTimeout)
}
