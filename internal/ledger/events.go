package ledger

import (
	"encoding/base64"
	"strings"

	"github.com/gagliardetto/solana-go"
)

const programDataPrefix = "Program data: "

// FinalizationEvent is emitted by the program once the MPC cluster has written
// back the result of the computation identified by Offset.
type FinalizationEvent struct {
	Offset    uint64
	Account   solana.PublicKey
	Success   bool
	Signature solana.Signature
}

type finalizationLayout struct {
	Discriminator [8]byte
	Offset        uint64
	Account       solana.PublicKey
	Success       bool
}

// ParseFinalizationLogs extracts every finalization event from a transaction's log lines.
// Lines that are not finalization events are skipped.
func ParseFinalizationLogs(signature solana.Signature, logs []string) []FinalizationEvent {
	var out []FinalizationEvent
	for _, line := range logs {
		raw, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil || len(data) < 8 {
			continue
		}
		var layout finalizationLayout
		if err := unborsh(data, &layout); err != nil || layout.Discriminator != discFinalized {
			continue
		}
		out = append(out, FinalizationEvent{
			Offset:    layout.Offset,
			Account:   layout.Account,
			Success:   layout.Success,
			Signature: signature,
		})
	}
	return out
}

// FinalizationLogLine renders ev the way the program logs it.
func FinalizationLogLine(ev FinalizationEvent) (string, error) {
	data, err := borsh(finalizationLayout{
		Discriminator: discFinalized,
		Offset:        ev.Offset,
		Account:       ev.Account,
		Success:       ev.Success,
	})
	if err != nil {
		return "", err
	}
	return programDataPrefix + base64.StdEncoding.EncodeToString(data), nil
}
