package hybrid

import (
	"context"
	"errors"

	"agentpay/audit"
	"agentpay/faults"
	"agentpay/ledger"
)

// ConsistencyReport summarises one cross-store verification pass.
type ConsistencyReport struct {
	LedgerEntries  uint64   `json:"ledger_entries"`
	AuditEntries   uint64   `json:"audit_entries"`
	ChainValid     bool     `json:"chain_valid"`
	ChainError     string   `json:"chain_error,omitempty"`
	MissingAudit   []string `json:"missing_audit,omitempty"`
	OrphanedAudit  []string `json:"orphaned_audit,omitempty"`
	Drift          bool     `json:"drift"`
}

// CheckConsistency verifies the audit chain end to end and cross-checks the
// two stores: every committed ledger entry must have an audit record, and
// every ledger-scoped audit record must point at a known ledger entry. Drift
// is surfaced as consistency_drift so operators alert on it.
func (l *Ledger) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}

	valid, err := l.trail.VerifyChain(ctx)
	report.ChainValid = valid
	if err != nil {
		report.ChainError = err.Error()
	}

	audited := make(map[string]struct{})
	var orphanCandidates []string
	if err := l.store.Walk(ctx, func(entry *audit.Entry) error {
		report.AuditEntries++
		if entry.LedgerEntryID == "" {
			return nil
		}
		if entry.Decision == audit.DecisionLedgerWrite || entry.Decision == audit.DecisionLedgerReversal {
			audited[entry.LedgerEntryID] = struct{}{}
			orphanCandidates = append(orphanCandidates, entry.LedgerEntryID)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Cancelled entries keep their audit records (a failed dual write
	// leaves evidence behind), so the orphan check runs against every
	// ledger entry while audit coverage is only required for committed
	// ones.
	all, err := l.engine.Query(ctx, ledger.Filter{})
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(all))
	for _, entry := range all {
		known[entry.EntryID] = struct{}{}
		if entry.Status != ledger.StatusConfirmed && entry.Status != ledger.StatusReversed {
			continue
		}
		report.LedgerEntries++
		if _, ok := audited[entry.EntryID]; !ok {
			report.MissingAudit = append(report.MissingAudit, entry.EntryID)
		}
	}
	for _, id := range orphanCandidates {
		if _, ok := known[id]; !ok {
			report.OrphanedAudit = append(report.OrphanedAudit, id)
		}
	}

	report.Drift = !report.ChainValid || len(report.MissingAudit) > 0 || len(report.OrphanedAudit) > 0
	if report.Drift {
		cause := errors.New(report.ChainError)
		if report.ChainValid {
			cause = nil
		}
		return report, faults.Wrap(faults.CodeConsistencyDrift, cause,
			"%d ledger entries unaudited, %d audit records orphaned, chain valid %t",
			len(report.MissingAudit), len(report.OrphanedAudit), report.ChainValid)
	}
	return report, nil
}
