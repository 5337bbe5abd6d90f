package domain

import "errors"

var (
	ErrUnknownOrder       = errors.New("reconcile: order not found")
	ErrAmountMismatch     = errors.New("reconcile: observed amount outside tolerance")
	ErrDuplicateDelivery  = errors.New("reconcile: order already confirmed")
	ErrLedgerWriteFailure = errors.New("reconcile: ledger write failed")
	ErrOrderNotPending    = errors.New("reconcile: order not pending")
)
