package types

import (
	errorsmod "cosmossdk.io/errors"
)

// Exchange error taxonomy. API codes (Binance-compatible) are mapped from
// these in the api package.
var (
	ErrValidation        = errorsmod.Register("exchange", 2, "validation error")
	ErrAuth              = errorsmod.Register("exchange", 3, "authentication failed")
	ErrInsufficientFunds = errorsmod.Register("exchange", 4, "insufficient funds")
	ErrOrderRejected     = errorsmod.Register("exchange", 5, "order rejected")
	ErrOrderNotFound     = errorsmod.Register("exchange", 6, "order not found")
	ErrCancelRejected    = errorsmod.Register("exchange", 7, "cancel rejected")
	ErrSymbolNotFound    = errorsmod.Register("exchange", 8, "symbol not found")
	ErrBusSaturated      = errorsmod.Register("exchange", 9, "event bus saturated")
	ErrTimestampSkew     = errorsmod.Register("exchange", 10, "timestamp outside recv window")
	ErrAccountNotFound   = errorsmod.Register("exchange", 11, "account not found")
	ErrFatal             = errorsmod.Register("exchange", 12, "fatal internal inconsistency")
)
