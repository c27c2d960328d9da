package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategory_ClassifiesWrappedTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ConfigurationError{Field: "key", Err: errors.New("missing")}, CategoryConfig},
		{&EnvelopeFormatError{Reason: "bad base64"}, CategoryEnvelope},
		{&SubmissionError{Err: errors.New("blockhash not found")}, CategorySubmission},
		{&ConfirmationTimeoutError{Signature: "sig", Err: errors.New("deadline")}, CategoryConfirmationTimeout},
		{&FinalizationTimeoutError{Offset: 7, Err: errors.New("deadline")}, CategoryFinalizationTimeout},
		{&DecryptionError{Reason: "short"}, CategoryDecryption},
		{&RegistryConflictError{SigningKey: "k", ExistingID: "id"}, CategoryConflict},
		{fmt.Errorf("withdraw: %w", ErrInsufficientFunds), CategoryValidation},
		{fmt.Errorf("deposit: %w", ErrComputationRejected), CategoryRejected},
		{ErrNotFound, CategoryNotFound},
		{ErrRelayerUnavailable, CategoryUnavailable},
		{errors.New("plain"), CategoryInternal},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if got := Category(wrapped); got != tc.want {
			t.Fatalf("%T: expected category=%q, got %q", tc.err, tc.want, got)
		}
	}
}

func TestRetryable_OnlySubmissionErrors(t *testing.T) {
	if !Retryable(&SubmissionError{Err: errors.New("stale")}) {
		t.Fatal("submission errors must be retryable")
	}
	if Retryable(&ConfirmationTimeoutError{Err: errors.New("deadline")}) {
		t.Fatal("confirmation timeouts must not be blindly retryable")
	}
	if Retryable(&FinalizationTimeoutError{Err: errors.New("deadline")}) {
		t.Fatal("finalization timeouts must not be blindly retryable")
	}
}

func TestNormalizeCategory_UnknownFallsBackToInternal(t *testing.T) {
	if got := NormalizeCategory(" Submission "); got != CategorySubmission {
		t.Fatalf("expected %q, got %q", CategorySubmission, got)
	}
	if got := NormalizeCategory("bogus"); got != CategoryInternal {
		t.Fatalf("expected %q, got %q", CategoryInternal, got)
	}
}
