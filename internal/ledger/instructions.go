package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"confbal/go-backend/internal/crypto"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrUnknownInstruction = errors.New("unknown program instruction")

// EncryptedPayload is what a mutating instruction carries for the MPC cluster:
// the caller's X25519 public key plus one nonce/ciphertext pair.
type EncryptedPayload struct {
	UserPublicKey [32]byte
	Nonce         crypto.Nonce
	Ciphertext    crypto.Ciphertext
}

type InstructionKind uint8

const (
	KindUnknown InstructionKind = iota
	KindInitBalance
	KindDeposit
	KindWithdraw
	KindTransfer
	KindRegisterRelayer
)

func (k InstructionKind) String() string {
	switch k {
	case KindInitBalance:
		return "init_balance"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindTransfer:
		return "transfer"
	case KindRegisterRelayer:
		return "register_relayer"
	default:
		return "unknown"
	}
}

type initBalanceArgs struct {
	Discriminator [8]byte
	Offset        uint64
	Payload       EncryptedPayload
}

type amountArgs struct {
	Discriminator [8]byte
	Offset        uint64
	Payload       EncryptedPayload
	Amount        uint64
}

type transferArgs struct {
	Discriminator [8]byte
	Offset        uint64
	Payload       EncryptedPayload
}

type registerRelayerArgs struct {
	Discriminator [8]byte
	RelayerID     [32]byte
	Fee           uint64
}

// DecodedInstruction is the parsed form of program instruction data.
type DecodedInstruction struct {
	Kind      InstructionKind
	Offset    uint64
	Payload   EncryptedPayload
	Amount    uint64
	RelayerID [32]byte
	Fee       uint64
}

// InitBalanceInstruction creates the balance account for (owner, mint) holding
// a client-encrypted zero. offset is the operation it is bundled with; no
// finalization event is emitted for it.
func InitBalanceInstruction(programID, owner, mint solana.PublicKey, offset uint64, payload EncryptedPayload) (solana.Instruction, error) {
	balance, err := BalanceAddress(programID, owner, mint)
	if err != nil {
		return nil, err
	}
	data, err := borsh(initBalanceArgs{Discriminator: discInitBalance, Offset: offset, Payload: payload})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(balance, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// DepositInstruction moves amount from the owner's plaintext token account into the vault
// and asks the cluster to add the encrypted amount to the balance.
func DepositInstruction(programID, owner, mint solana.PublicKey, offset, amount uint64, payload EncryptedPayload) (solana.Instruction, error) {
	return amountInstruction(discDeposit, programID, owner, mint, offset, amount, payload)
}

// WithdrawInstruction is the inverse of DepositInstruction.
func WithdrawInstruction(programID, owner, mint solana.PublicKey, offset, amount uint64, payload EncryptedPayload) (solana.Instruction, error) {
	return amountInstruction(discWithdraw, programID, owner, mint, offset, amount, payload)
}

func amountInstruction(disc [8]byte, programID, owner, mint solana.PublicKey, offset, amount uint64, payload EncryptedPayload) (solana.Instruction, error) {
	balance, err := BalanceAddress(programID, owner, mint)
	if err != nil {
		return nil, err
	}
	vault, err := VaultAddress(programID, mint)
	if err != nil {
		return nil, err
	}
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	data, err := borsh(amountArgs{Discriminator: disc, Offset: offset, Payload: payload, Amount: amount})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(balance, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(tokenAccount, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

// TransferInstruction moves an encrypted amount between two balances of the same mint.
// The amount never appears in plaintext.
func TransferInstruction(programID, owner, recipient, mint solana.PublicKey, offset uint64, payload EncryptedPayload) (solana.Instruction, error) {
	from, err := BalanceAddress(programID, owner, mint)
	if err != nil {
		return nil, err
	}
	to, err := BalanceAddress(programID, recipient, mint)
	if err != nil {
		return nil, err
	}
	data, err := borsh(transferArgs{Discriminator: discTransfer, Offset: offset, Payload: payload})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(from, true, false),
		solana.NewAccountMeta(to, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
	}, data), nil
}

// RegisterRelayerInstruction announces a relayer identity on-chain. The relayer signs and pays.
func RegisterRelayerInstruction(programID, relayer, feeTokenMint solana.PublicKey, relayerID [32]byte, fee uint64) (solana.Instruction, error) {
	addr, err := RelayerAddress(programID, relayerID)
	if err != nil {
		return nil, err
	}
	data, err := borsh(registerRelayerArgs{Discriminator: discRegisterRelayer, RelayerID: relayerID, Fee: fee})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(relayer, true, true),
		solana.NewAccountMeta(addr, true, false),
		solana.NewAccountMeta(feeTokenMint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// DecodeInstruction parses program instruction data produced by the builders above.
func DecodeInstruction(data []byte) (DecodedInstruction, error) {
	if len(data) < 8 {
		return DecodedInstruction{}, ErrUnknownInstruction
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	switch disc {
	case discInitBalance:
		var args initBalanceArgs
		if err := unborsh(data, &args); err != nil {
			return DecodedInstruction{}, err
		}
		return DecodedInstruction{Kind: KindInitBalance, Offset: args.Offset, Payload: args.Payload}, nil
	case discDeposit, discWithdraw:
		var args amountArgs
		if err := unborsh(data, &args); err != nil {
			return DecodedInstruction{}, err
		}
		kind := KindDeposit
		if disc == discWithdraw {
			kind = KindWithdraw
		}
		return DecodedInstruction{Kind: kind, Offset: args.Offset, Payload: args.Payload, Amount: args.Amount}, nil
	case discTransfer:
		var args transferArgs
		if err := unborsh(data, &args); err != nil {
			return DecodedInstruction{}, err
		}
		return DecodedInstruction{Kind: KindTransfer, Offset: args.Offset, Payload: args.Payload}, nil
	case discRegisterRelayer:
		var args registerRelayerArgs
		if err := unborsh(data, &args); err != nil {
			return DecodedInstruction{}, err
		}
		return DecodedInstruction{Kind: KindRegisterRelayer, RelayerID: args.RelayerID, Fee: args.Fee}, nil
	default:
		return DecodedInstruction{}, ErrUnknownInstruction
	}
}

func borsh(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unborsh(data []byte, v any) error {
	if err := bin.NewBorshDecoder(data).Decode(v); err != nil {
		return fmt.Errorf("decode program data: %w", err)
	}
	return nil
}
