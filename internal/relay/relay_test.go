package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/custody"
	"confbal/go-backend/internal/finalization"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/ledger/ledgertest"
	"confbal/go-backend/internal/registry"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var testProgramID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

type harness struct {
	ledger    *ledgertest.Ledger
	custodian *custody.Custodian
	relayer   *Relayer
	cluster   *crypto.KeyMaterial
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	cluster, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	l := ledgertest.New(testProgramID, cluster, finalization.NewBus(16))
	custodian, err := custody.FromPrivateKey(solana.NewWallet().PrivateKey)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	if opts.Confirm.Timeout == 0 {
		opts.Confirm = ledger.ConfirmOptions{Commitment: rpc.CommitmentConfirmed, Timeout: time.Second, PollInterval: 5 * time.Millisecond}
	}
	return &harness{ledger: l, custodian: custodian, relayer: New(l, custodian, opts), cluster: cluster}
}

// clientEnvelope builds an init_balance transaction paid and signed by the user,
// as a wallet would before handing it to the relayer.
func (h *harness) clientEnvelope(t *testing.T, user solana.PrivateKey, extra ...solana.Instruction) *solana.Transaction {
	t.Helper()
	keys, err := crypto.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}
	clusterPub := h.cluster.PublicKey()
	secret, err := keys.SharedSecret(clusterPub[:])
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	nonce, _ := crypto.NewNonce()
	zero, err := crypto.EncryptOne(0, nonce, secret)
	if err != nil {
		t.Fatalf("EncryptOne: %v", err)
	}
	ix, err := ledger.InitBalanceInstruction(testProgramID, user.PublicKey(), solana.NewWallet().PublicKey(), 1, ledger.EncryptedPayload{
		UserPublicKey: keys.PublicKey(),
		Nonce:         nonce,
		Ciphertext:    zero,
	})
	if err != nil {
		t.Fatalf("InitBalanceInstruction: %v", err)
	}
	tx, err := solana.NewTransaction(append([]solana.Instruction{ix}, extra...), solana.Hash{7}, solana.TransactionPayer(user.PublicKey()))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	sig, err := user.Sign(msg)
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	tx.Signatures[0] = sig
	return tx
}

func TestForwardSubstitutesFeePayer(t *testing.T) {
	h := newHarness(t, Options{})
	user := solana.NewWallet().PrivateKey
	encoded, err := EncodeEnvelope(h.clientEnvelope(t, user))
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	sig, err := h.relayer.Forward(context.Background(), encoded)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	submitted := h.ledger.Submitted()
	if len(submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(submitted))
	}
	tx := submitted[0]
	if tx.Message.AccountKeys[0] != h.custodian.PublicKey() {
		t.Fatalf("fee payer is %s, want relayer %s", tx.Message.AccountKeys[0], h.custodian.PublicKey())
	}
	if tx.Message.Header.NumRequiredSignatures != 1 || len(tx.Signatures) != 1 {
		t.Fatalf("expected exactly the relayer signature, header=%+v sigs=%d", tx.Message.Header, len(tx.Signatures))
	}
	if tx.Signatures[0] != sig {
		t.Fatal("returned signature does not match submitted transaction")
	}
	for i, key := range tx.Message.AccountKeys {
		if key == user.PublicKey() && i < int(tx.Message.Header.NumRequiredSignatures) {
			t.Fatal("client wallet must not remain a signer")
		}
	}
	msg, _ := tx.Message.MarshalBinary()
	if !sig.Verify(h.custodian.PublicKey(), msg) {
		t.Fatal("relayer signature does not verify")
	}
	current, _ := h.ledger.LatestBlockhash(context.Background())
	if tx.Message.RecentBlockhash != current {
		t.Fatal("blockhash was not refreshed before signing")
	}
}

type rotatingClient struct {
	*ledgertest.Ledger
}

func (c rotatingClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	hash, err := c.Ledger.LatestBlockhash(ctx)
	c.Ledger.RotateBlockhash()
	return hash, err
}

func TestRelayStaleBlockhashIsRetryableSubmissionError(t *testing.T) {
	h := newHarness(t, Options{})
	relayer := New(rotatingClient{h.ledger}, h.custodian, Options{})

	_, err := relayer.Relay(context.Background(), h.clientEnvelope(t, solana.NewWallet().PrivateKey))
	var subErr *contracts.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !errors.Is(err, ledgertest.ErrBlockhashNotFound) || !contracts.Retryable(err) {
		t.Fatalf("expected retryable blockhash failure, got %v", err)
	}
	if len(h.ledger.Submitted()) != 0 {
		t.Fatal("stale transaction must not be applied")
	}
}

func TestRelayConfirmationTimeout(t *testing.T) {
	h := newHarness(t, Options{Confirm: ledger.ConfirmOptions{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}})
	h.ledger.Unconfirmed = true

	sig, err := h.relayer.Relay(context.Background(), h.clientEnvelope(t, solana.NewWallet().PrivateKey))
	var timeoutErr *contracts.ConfirmationTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ConfirmationTimeoutError, got %v", err)
	}
	if timeoutErr.Signature != sig.String() {
		t.Fatalf("timeout must name the submitted signature: %q vs %q", timeoutErr.Signature, sig)
	}
	if contracts.Retryable(err) {
		t.Fatal("confirmation timeouts must not be blindly retryable")
	}
}

func TestForwardRejectsMalformedEnvelopes(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"not_base64", "%%%"},
		{"garbage", "AAEC"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.relayer.Forward(context.Background(), tc.encoded)
			var envErr *contracts.EnvelopeFormatError
			if !errors.As(err, &envErr) {
				t.Fatalf("expected EnvelopeFormatError, got %v", err)
			}
		})
	}
	if len(h.ledger.Submitted()) != 0 {
		t.Fatal("malformed envelopes must not be submitted")
	}
}

func TestRewriteRejectsUnsafeEnvelopes(t *testing.T) {
	h := newHarness(t, Options{})
	user := solana.NewWallet().PrivateKey
	coSigner := solana.NewWallet().PublicKey()
	relayerKey := h.custodian.PublicKey()

	needsCoSigner := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(coSigner).WRITE().SIGNER(),
	}, []byte{0})
	drainsRelayer := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(relayerKey).WRITE(),
	}, []byte{2, 0, 0, 0})

	cases := []struct {
		name   string
		extra  solana.Instruction
		policy Policy
	}{
		{"co_signer", needsCoSigner, Policy{}},
		{"touches_relayer", drainsRelayer, Policy{}},
		{"program_not_allowed", nil, Policy{AllowedPrograms: []solana.PublicKey{solana.SystemProgramID}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tx *solana.Transaction
			if tc.extra != nil {
				tx = h.clientEnvelope(t, user, tc.extra)
			} else {
				tx = h.clientEnvelope(t, user)
			}
			_, err := Rewrite(tx, relayerKey, solana.Hash{1}, tc.policy)
			var envErr *contracts.EnvelopeFormatError
			if !errors.As(err, &envErr) {
				t.Fatalf("expected EnvelopeFormatError, got %v", err)
			}
		})
	}

	allowed := Policy{AllowedPrograms: []solana.PublicKey{testProgramID}}
	if _, err := Rewrite(h.clientEnvelope(t, user), relayerKey, solana.Hash{1}, allowed); err != nil {
		t.Fatalf("expected allowed program to pass, got %v", err)
	}
}

func TestAnnouncerRegistersOnLedger(t *testing.T) {
	h := newHarness(t, Options{})
	reg := registry.New(registry.NewMemoryStore(), testProgramID, registry.Options{
		Announcer: NewAnnouncer(h.relayer, testProgramID),
	})
	mint := solana.NewWallet().PublicKey()

	rec, err := reg.Register(context.Background(), h.custodian.PublicKey(), 25, mint)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := h.ledger.AccountData(context.Background(), rec.Address); err != nil {
		t.Fatalf("relayer account missing on ledger: %v", err)
	}
	if len(h.ledger.Submitted()) != 1 {
		t.Fatalf("expected one announcement transaction, got %d", len(h.ledger.Submitted()))
	}

	if _, err := reg.Register(context.Background(), h.custodian.PublicKey(), 25, mint); err == nil {
		t.Fatal("expected conflict on second registration")
	}
	if len(h.ledger.Submitted()) != 1 {
		t.Fatal("conflicting registration must not announce again")
	}
}

func TestAnnouncerRefusesForeignRecord(t *testing.T) {
	h := newHarness(t, Options{})
	err := NewAnnouncer(h.relayer, testProgramID).Announce(context.Background(), registry.Record{PublicKey: solana.NewWallet().PublicKey()})
	if err == nil {
		t.Fatal("expected foreign record to be refused")
	}
}
