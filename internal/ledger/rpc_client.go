package ledger

import (
	"context"
	"errors"

	"confbal/go-backend/internal/contracts"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient adapts a ledger JSON-RPC node to Client.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCClient(endpoint string, commitment rpc.CommitmentType) *RPCClient {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCClient{rpc: rpc.New(endpoint), commitment: commitment}
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, err
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("empty blockhash response")
	}
	return out.Value.Blockhash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	return c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return SignatureStatus{}, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := out.Value[0]
	return SignatureStatus{
		Found:      true,
		Commitment: rpc.CommitmentType(st.ConfirmationStatus),
		Err:        st.Err,
	}, nil
}

func (c *RPCClient) AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, contracts.ErrNotFound
	}
	return out.Value.Data.GetBinary(), nil
}
