package session

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the purchase flow can produce. Each kind
// maps to exactly one user-facing message and one recovery policy.
type Kind string

const (
	KindAlreadyReserved      Kind = "AlreadyReserved"
	KindSelfPurchase         Kind = "SelfPurchase"
	KindWalletUnavailable    Kind = "WalletUnavailable"
	KindUserRejected         Kind = "UserRejected"
	KindNetworkMismatch      Kind = "NetworkMismatch"
	KindInsufficientFunds    Kind = "InsufficientFunds"
	KindContractNotFound     Kind = "ContractNotFound"
	KindValidationFailed     Kind = "ValidationFailed"
	KindSubmissionTimeout    Kind = "SubmissionTimeout"
	KindVerificationRejected Kind = "VerificationRejected"
	KindSessionExpired       Kind = "SessionExpired"
	KindInternal             Kind = "Internal"
)

var messages = map[Kind]string{
	KindAlreadyReserved:      "this item is reserved by another buyer",
	KindSelfPurchase:         "you cannot purchase your own item",
	KindWalletUnavailable:    "no wallet was found; install or unlock your signing agent and try again",
	KindUserRejected:         "the request was declined in your wallet; you can try again",
	KindNetworkMismatch:      "your wallet is connected to the wrong network",
	KindInsufficientFunds:    "your balance does not cover the price plus network fees",
	KindContractNotFound:     "the escrow contract is not deployed at the configured address; contact support",
	KindValidationFailed:     "the payment request failed a safety check and was not sent",
	KindSubmissionTimeout:    "the transaction was not confirmed in time; it may still settle, look it up by hash before retrying",
	KindVerificationRejected: "payment could not be verified after the funds moved; do not retry, contact support",
	KindSessionExpired:       "the reservation expired before payment completed",
	KindInternal:             "an unexpected error occurred",
}

// Message returns the single human-readable message for the kind.
func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return messages[KindInternal]
}

// Retryable reports whether the flow may be re-entered after this failure,
// time permitting. Everything at or after submission is non-retryable:
// a retry there risks a double payment.
func (k Kind) Retryable() bool {
	switch k {
	case KindWalletUnavailable, KindUserRejected, KindNetworkMismatch, KindInsufficientFunds:
		return true
	}
	return false
}

// Error carries a kind through the flow, plus the transaction hash once
// one exists so failed sessions stay reconcilable by hand.
type Error struct {
	Kind   Kind
	TxHash string
	cause  error
}

func E(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func (e *Error) WithTxHash(hash string) *Error {
	e.TxHash = hash
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	if e.TxHash != "" {
		msg += fmt.Sprintf(" (tx %s)", e.TxHash)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the kind from an error chain, or KindInternal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrBusy              = errors.New("a purchase attempt is already in progress for this session")
	ErrInvalidTransition = errors.New("invalid state transition")
)
