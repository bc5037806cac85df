package services

import (
	"fmt"
	"strings"

	"freedomtag/internal/models"
)

type ErrorKind string

const (
	KindNotFound              ErrorKind = "not_found"
	KindInvalidTransfer       ErrorKind = "invalid_transfer"
	KindInsufficientFunds     ErrorKind = "insufficient_funds"
	KindDuplicateTransfer     ErrorKind = "duplicate_transfer"
	KindLedgerInconsistency   ErrorKind = "ledger_inconsistency"
	KindConversionUnavailable ErrorKind = "conversion_unavailable"
	KindInvalidBalance        ErrorKind = "invalid_balance"
)

// LedgerError is returned by every ledger operation that fails for a domain
// reason. Match on kind with errors.Is against the Err* sentinels, or use
// errors.As to read the details.
type LedgerError struct {
	Kind      ErrorKind
	Op        string
	WalletID  string
	Balance   int64
	Requested int64
	// Transaction is the original record for DuplicateTransfer.
	Transaction *models.Transaction
	Reason      string
	Err         error
}

var (
	ErrNotFound              = &LedgerError{Kind: KindNotFound}
	ErrInvalidTransfer       = &LedgerError{Kind: KindInvalidTransfer}
	ErrInsufficientFunds     = &LedgerError{Kind: KindInsufficientFunds}
	ErrDuplicateTransfer     = &LedgerError{Kind: KindDuplicateTransfer}
	ErrLedgerInconsistency   = &LedgerError{Kind: KindLedgerInconsistency}
	ErrConversionUnavailable = &LedgerError{Kind: KindConversionUnavailable}
	ErrInvalidBalance        = &LedgerError{Kind: KindInvalidBalance}
)

func (e *LedgerError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.WalletID != "" {
		fmt.Fprintf(&b, " (wallet %s", e.WalletID)
		if e.Kind == KindInsufficientFunds {
			fmt.Fprintf(&b, ", balance %d, requested %d", e.Balance, e.Requested)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	return ok && t.Kind == e.Kind
}

func invalidTransfer(op, reason string) *LedgerError {
	return &LedgerError{Kind: KindInvalidTransfer, Op: op, Reason: reason}
}

func notFound(op, walletID string, err error) *LedgerError {
	return &LedgerError{Kind: KindNotFound, Op: op, WalletID: walletID, Err: err}
}

func insufficientFunds(op string, wallet models.Wallet, requested int64) *LedgerError {
	return &LedgerError{Kind: KindInsufficientFunds, Op: op, WalletID: wallet.ID, Balance: wallet.BalanceMinor, Requested: requested}
}

func duplicate(op string, original models.Transaction) *LedgerError {
	return &LedgerError{Kind: KindDuplicateTransfer, Op: op, Transaction: &original}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if le, ok := err.(*LedgerError); ok {
		return string(le.Kind)
	}
	return "error"
}
