package settlement

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// Settlement moves funds for a completed job. Implementations must be safe
// for concurrent use; the pool invokes Pay from multiple workers.
type Settlement interface {
	// Pay transfers amount from one wallet to another. memo carries the
	// job ID so the transfer can be traced back on-chain. Returns the
	// transaction signature.
	Pay(ctx context.Context, fromWallet, toWallet string, amount float64, memo string) (string, error)
}

// LogSettlement is the development backend: it records the transfer in the
// process log and mints a synthetic signature. No funds move.
type LogSettlement struct{}

func (LogSettlement) Pay(ctx context.Context, fromWallet, toWallet string, amount float64, memo string) (string, error) {
	sig := "SIMULATED-" + uuid.NewString()
	log.Printf("[SETTLEMENT] simulated transfer %.9f SOL %s -> %s (memo=%s sig=%s)",
		amount, fromWallet, toWallet, memo, sig)
	return sig, nil
}
