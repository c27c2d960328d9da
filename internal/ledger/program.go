// Package ledger describes the confidential-balance program's on-chain surface
// (instruction and account layouts, events, derived addresses) and the client
// used to reach the ledger RPC node.
package ledger

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
)

const (
	seedEncryptedBalance = "encrypted_balance"
	seedRelayer          = "relayer"
	seedVault            = "vault"
)

// Discriminator returns the 8-byte tag prefixed to instruction data, account
// data and event payloads: sha256("<namespace>:<name>")[:8].
func Discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func instructionDiscriminator(name string) [8]byte { return Discriminator("global", name) }

var (
	discInitBalance     = instructionDiscriminator("init_balance")
	discDeposit         = instructionDiscriminator("deposit")
	discWithdraw        = instructionDiscriminator("withdraw")
	discTransfer        = instructionDiscriminator("transfer")
	discRegisterRelayer = instructionDiscriminator("register_relayer")

	discBalanceAccount = Discriminator("account", "EncryptedBalance")
	discFinalized      = Discriminator("event", "ComputationFinalized")
)

// BalanceAddress derives the program account holding the encrypted balance of owner for mint.
func BalanceAddress(programID, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seedEncryptedBalance), owner[:], mint[:]}, programID)
	return addr, err
}

// RelayerAddress derives the program account announcing a relayer identity.
func RelayerAddress(programID solana.PublicKey, relayerID [32]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seedRelayer), relayerID[:]}, programID)
	return addr, err
}

// VaultAddress derives the program-owned token account pooling deposited funds for mint.
func VaultAddress(programID, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seedVault), mint[:]}, programID)
	return addr, err
}
