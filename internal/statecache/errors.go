package statecache

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRevert    = errors.New("state call reverted")
	ErrDecode    = errors.New("state decode failed")
	ErrTransport = errors.New("state transport failed")
	// ErrQuarantined marks a pool skipped after repeated revert or decode
	// failures. No RPC is issued for it until its cooldown ends.
	ErrQuarantined = errors.New("pool quarantined")
)

// FetchError reports why a single pool could not be fetched. It matches one
// of the reason sentinels above through errors.Is.
type FetchError struct {
	Pool   common.Address
	Block  uint64
	Reason error
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pool %s at block %d: %v", e.Pool.Hex(), e.Block, e.Reason)
	}
	return fmt.Sprintf("pool %s at block %d: %v: %v", e.Pool.Hex(), e.Block, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrRevert):
		return "revert"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrQuarantined):
		return "quarantined"
	default:
		return "transport"
	}
}
