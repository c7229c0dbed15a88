package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AnchorReceipt records a Merkle root committed to a public ledger.
type AnchorReceipt struct {
	Root     string    `json:"root"`
	TxHash   string    `json:"tx_hash"`
	Chain    string    `json:"chain"`
	Block    uint64    `json:"block"`
	Anchored time.Time `json:"anchored"`
}

// AnchorPort publishes a Merkle root to a public ledger.
type AnchorPort interface {
	Anchor(ctx context.Context, root string) (*AnchorReceipt, error)
}

// Anchorer periodically publishes the trail's current root. It has an
// explicit lifecycle: Start launches the loop, Stop cancels it and waits.
type Anchorer struct {
	trail    *Trail
	port     AnchorPort
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastRoot string
	receipts []AnchorReceipt

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnchorer constructs an anchorer over the trail and anchor port.
func NewAnchorer(trail *Trail, port AnchorPort, interval time.Duration, logger *slog.Logger) *Anchorer {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anchorer{trail: trail, port: port, interval: interval, logger: logger}
}

// Start launches the anchoring loop.
func (a *Anchorer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (a *Anchorer) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Anchorer) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.anchorOnce(ctx)
		}
	}
}

func (a *Anchorer) anchorOnce(ctx context.Context) {
	root := a.trail.Root()
	if root == "" {
		return
	}
	a.mu.Lock()
	unchanged := root == a.lastRoot
	a.mu.Unlock()
	if unchanged {
		return
	}
	receipt, err := a.port.Anchor(ctx, root)
	if err != nil {
		a.logger.Error("anchor publish failed", slog.String("error", err.Error()))
		return
	}
	receipt.Root = root
	a.mu.Lock()
	a.lastRoot = root
	a.receipts = append(a.receipts, *receipt)
	a.mu.Unlock()
	a.logger.Info("audit root anchored",
		slog.String("chain", receipt.Chain),
		slog.String("tx_hash", receipt.TxHash),
	)
}

// Receipts returns a copy of all anchor receipts, newest last.
func (a *Anchorer) Receipts() []AnchorReceipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AnchorReceipt, len(a.receipts))
	copy(out, a.receipts)
	return out
}
