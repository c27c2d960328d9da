package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInsufficientFunds  = errors.New("insufficient confidential balance")
	ErrRecipientNotReady  = errors.New("recipient has no encrypted balance for this mint")
	ErrRelayerUnavailable = errors.New("no active relayer is registered")
	ErrInvalidRequest     = errors.New("invalid request")
	// ErrIdempotencyConflict means an idempotency key was reused for a different request.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	// ErrComputationRejected means the cluster finalized the computation without applying it.
	ErrComputationRejected = errors.New("computation rejected by the cluster")
)

const (
	CategoryConfig              = "config"
	CategoryEnvelope            = "envelope"
	CategorySubmission          = "submission"
	CategoryConfirmationTimeout = "confirmation_timeout"
	CategoryFinalizationTimeout = "finalization_timeout"
	CategoryDecryption          = "decryption"
	CategoryConflict            = "conflict"
	CategoryValidation          = "validation"
	CategoryRejected            = "rejected"
	CategoryNotFound            = "not_found"
	CategoryUnavailable         = "unavailable"
	CategoryInternal            = "internal"
)

// ConfigurationError is fatal and only produced during startup.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// EnvelopeFormatError rejects client input before any side effect.
type EnvelopeFormatError struct {
	Reason string
	Err    error
}

func (e *EnvelopeFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed transaction envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed transaction envelope: " + e.Reason
}

func (e *EnvelopeFormatError) Unwrap() error { return e.Err }

// SubmissionError means the ledger refused the transaction. Nothing was mutated,
// so a freshly built envelope may be retried.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("transaction submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationTimeoutError leaves the outcome ambiguous: the transaction may still land.
// Signature is empty when the relayer's answer was lost in transit.
type ConfirmationTimeoutError struct {
	Signature string
	Err       error
}

func (e *ConfirmationTimeoutError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("transaction outcome unknown: %v", e.Err)
	}
	return fmt.Sprintf("transaction %s was not confirmed in time: %v", e.Signature, e.Err)
}

func (e *ConfirmationTimeoutError) Unwrap() error { return e.Err }

// FinalizationTimeoutError means the MPC callback was never observed. The balance
// may or may not have changed; re-fetch and decrypt to learn the truth.
type FinalizationTimeoutError struct {
	Offset uint64
	Err    error
}

func (e *FinalizationTimeoutError) Error() string {
	return fmt.Sprintf("computation %d was not finalized in time: %v", e.Offset, e.Err)
}

func (e *FinalizationTimeoutError) Unwrap() error { return e.Err }

type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "cannot decrypt balance: " + e.Reason
}

// RegistryConflictError signals a repeated registration for a signing key that
// already has a record. ExistingID and Address describe the stored record.
type RegistryConflictError struct {
	SigningKey string
	ExistingID string
	Address    string
}

func (e *RegistryConflictError) Error() string {
	return fmt.Sprintf("relayer for signing key %s is already registered as %s", e.SigningKey, e.ExistingID)
}

// Category maps an error onto a stable label for metrics and transport status codes.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr      *ConfigurationError
		envErr      *EnvelopeFormatError
		subErr      *SubmissionError
		confirmErr  *ConfirmationTimeoutError
		finalizeErr *FinalizationTimeoutError
		decryptErr  *DecryptionError
		conflictErr *RegistryConflictError
	)
	switch {
	case errors.As(err, &cfgErr):
		return CategoryConfig
	case errors.As(err, &envErr):
		return CategoryEnvelope
	case errors.As(err, &confirmErr):
		return CategoryConfirmationTimeout
	case errors.As(err, &finalizeErr):
		return CategoryFinalizationTimeout
	case errors.As(err, &subErr):
		return CategorySubmission
	case errors.As(err, &decryptErr):
		return CategoryDecryption
	case errors.As(err, &conflictErr), errors.Is(err, ErrIdempotencyConflict):
		return CategoryConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrRecipientNotReady):
		return CategoryValidation
	case errors.Is(err, ErrComputationRejected):
		return CategoryRejected
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrRelayerUnavailable):
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}

// Retryable reports whether err may be retried without first reconciling ledger state.
// Timeouts are excluded: their outcome is ambiguous and a blind retry can mutate twice.
func Retryable(err error) bool {
	return Category(err) == CategorySubmission
}

// NormalizeCategory folds free-form labels onto the known set.
func NormalizeCategory(category string) string {
	switch c := strings.ToLower(strings.TrimSpace(category)); c {
	case CategoryConfig, CategoryEnvelope, CategorySubmission, CategoryConfirmationTimeout,
		CategoryFinalizationTimeout, CategoryDecryption, CategoryConflict, CategoryValidation,
		CategoryRejected, CategoryNotFound, CategoryUnavailable:
		return c
	default:
		return CategoryInternal
	}
}
