package txntable

import "errors"

var (
	ErrInvalidHandle     = errors.New("invalid transaction handle")
	ErrUnknownGXID       = errors.New("no transaction for gxid")
	ErrUnknownGID        = errors.New("no transaction for prepared transaction id")
	ErrUnknownSession    = errors.New("no transaction for session")
	ErrDuplicateGID      = errors.New("prepared transaction id already exists")
	ErrWrapAroundStop    = errors.New("not accepting commands to avoid wraparound data loss")
	ErrCapacityExhausted = errors.New("max global transactions limit reached")
	ErrStandbyReadOnly   = errors.New("running in standby mode, can not issue new transaction ids")
	ErrShuttingDown      = errors.New("shutting down, can not issue new transaction ids")
	ErrInvalidState      = errors.New("unexpected transaction state")
	ErrNotStarting       = errors.New("transaction table already running")
)
