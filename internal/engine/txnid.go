package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// txnRange is how far the persisted high-water mark runs ahead of the
// ids actually handed out. The file stores the end of the reserved
// range, so a crash can skip up to txnRange ids but never reuse one.
const txnRange = 65536

// txnCounter allocates monotonic transaction ids backed by a 16-hex-char
// file. The range end is persisted before any id from the range is used.
type txnCounter struct {
	path  string
	next  uint64
	limit uint64
}

func openTxnCounter(path string) (*txnCounter, error) {
	t := &txnCounter{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		end, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("engine: txnid file %s: %w", path, err)
		}
		// Everything below the persisted end may have been used already.
		t.next = end
		t.limit = end
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("engine: read txnid: %w", err)
	}
	return t, nil
}

// Next returns a fresh transaction id, extending and persisting the
// reserved range first when the current one is exhausted.
func (t *txnCounter) Next() (string, error) {
	if t.next >= t.limit {
		newLimit := t.next + txnRange
		if err := os.WriteFile(t.path, fmt.Appendf(nil, "%016x", newLimit), 0o600); err != nil {
			return "", fmt.Errorf("engine: persist txnid range: %w", err)
		}
		t.limit = newLimit
	}
	id := t.next
	t.next++
	return fmt.Sprintf("%016x", id), nil
}
