package norm

import "errors"

// Sentinel errors returned by the core engine. Callers may compare with
// errors.Is; per-session statistics record the cause as well (see Stats).
var (
	ErrIllegalArgument   = errors.New("norm: illegal argument")
	ErrOutOfRange        = errors.New("norm: index out of sliding window range")
	ErrBufferExhausted   = errors.New("norm: no free block or segment available")
	ErrObjectTableFull   = errors.New("norm: tx object table has no evictable candidate")
	ErrMalformedPDU      = errors.New("norm: malformed PDU")
	ErrUnknownPDUType    = errors.New("norm: unknown PDU type")
	ErrExtensionOverflow = errors.New("norm: header extension exceeds declared hdr_len")
	ErrOutOfWindow       = errors.New("norm: object id outside receiver pending window")
	ErrStreamDesync      = errors.New("norm: stream payload offset precedes read offset")
	ErrDecodeFailure     = errors.New("norm: FEC decode invoked with erasureCount > parityCount")
	ErrNotSynced         = errors.New("norm: remote sender is not yet synchronized")
	ErrBlockFull         = errors.New("norm: block has no free segment slot")
	ErrTooManySymbols    = errors.New("norm: ndata+nparity exceeds 255")
)
