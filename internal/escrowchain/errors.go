package escrowchain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured  = errors.New("escrow chain not configured")
	ErrRPCUnreachable = errors.New("escrow chain RPC unreachable")
	ErrReverted       = errors.New("escrow transaction reverted")
	ErrReceiptTimeout = errors.New("escrow transaction receipt timed out")
	ErrCall           = errors.New("escrow contract call failed")
)

// Error is the single error kind returned by the client. The message is what
// operators see; Err carries a sentinel for programmatic checks.
type Error struct {
	Op     string // lock, release, refund, read
	Chain  string
	TxHash string // set once the transaction was submitted
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("escrow %s on %s failed (tx: %s): %v", e.Op, e.Chain, e.TxHash, e.Err)
	}
	return fmt.Sprintf("escrow %s on %s failed: %v", e.Op, e.Chain, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, chain, txHash string, sentinel error, format string, args ...any) *Error {
	if format == "" {
		return &Error{Op: op, Chain: chain, TxHash: txHash, Err: sentinel}
	}
	return &Error{Op: op, Chain: chain, TxHash: txHash, Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}
