package evmchain

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"agentpay/audit"
	"agentpay/faults"
)

// Anchor publishes a Merkle root as calldata in a zero-value transaction
// to the executor's own address. The receipt ties the root to a block.
func (e *Executor) Anchor(ctx context.Context, root string) (*audit.AnchorReceipt, error) {
	payload, err := hex.DecodeString(strings.TrimPrefix(root, "0x"))
	if err != nil {
		return nil, faults.Wrap(faults.CodeAuditChainBroken, err, "anchor root %q", root)
	}
	tx, err := e.send(ctx, e.from, payload)
	if err != nil {
		return nil, err
	}
	receipt, err := e.receiptFor(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &audit.AnchorReceipt{
		Root:     root,
		TxHash:   receipt.TxHash,
		Chain:    e.cfg.Chain,
		Block:    receipt.BlockNumber,
		Anchored: time.Now().UTC(),
	}, nil
}
