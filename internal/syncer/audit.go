package syncer

import (
	"context"
	"sort"

	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// Mismatch is a used address whose provider view disagrees with the
// reconciled state.
type Mismatch struct {
	Address         string            `json:"address"`
	Balance         int64             `json:"balance"`
	ProviderBalance int64             `json:"provider_balance"`
	Missing         []models.OutPoint `json:"missing,omitempty"` // unspent at the provider only
	Extra           []models.OutPoint `json:"extra,omitempty"`   // unspent in the state only
}

// AuditReport summarises one audit.
type AuditReport struct {
	Skipped    bool             `json:"skipped,omitempty"`
	Addresses  int              `json:"addresses"`
	Mismatches []Mismatch       `json:"mismatches"`
	Failed     map[string]error `json:"-"`
}

// Audit compares the provider's confirmed balance and unspent outputs of
// every used address with the reconciled state. It changes nothing; a
// call made while a sync is running returns a skipped report.
func (s *Syncer) Audit(ctx context.Context) (*AuditReport, error) {
	if !s.acquire() {
		return &AuditReport{Skipped: true}, nil
	}
	defer s.release()
	return s.audit(ctx), nil
}

// audit runs with the status held so no reconciliation interleaves.
func (s *Syncer) audit(ctx context.Context) *AuditReport {
	addrs := s.state.usedAddresses()
	rep := &AuditReport{Addresses: len(addrs), Failed: make(map[string]error)}

	found := make([]*Mismatch, len(addrs))
	errs := s.pool.Run(ctx, len(addrs), func(ctx context.Context, i int) error {
		a := addrs[i]
		balance, err := s.query.Balance(ctx, a.Encoded)
		if err != nil {
			return err
		}
		utxos, err := s.query.UTXOs(ctx, a.Encoded)
		if err != nil {
			return err
		}
		found[i] = s.compare(a, balance, utxos)
		return nil
	})

	for i, err := range errs {
		if err != nil {
			rep.Failed[addrs[i].Encoded] = err
			s.logger.Warn().Err(err).Str("address", addrs[i].Encoded).Msg("address audit failed")
			continue
		}
		m := found[i]
		if m == nil {
			continue
		}
		rep.Mismatches = append(rep.Mismatches, *m)
		s.logger.Warn().
			Str("address", m.Address).
			Int64("balance", m.Balance).
			Int64("provider_balance", m.ProviderBalance).
			Int("missing", len(m.Missing)).
			Int("extra", len(m.Extra)).
			Msg("provider disagrees with reconciled state")
	}
	return rep
}

func (s *Syncer) compare(a models.Address, providerBalance int64, utxos []models.UTXO) *Mismatch {
	held := s.state.unspent(a.Encoded)
	m := &Mismatch{Address: a.Encoded, Balance: a.Balance, ProviderBalance: providerBalance}

	for _, u := range utxos {
		if _, ok := held[u.OutPoint]; ok {
			delete(held, u.OutPoint)
			continue
		}
		m.Missing = append(m.Missing, u.OutPoint)
	}
	for op := range held {
		m.Extra = append(m.Extra, op)
	}
	sortOutPoints(m.Missing)
	sortOutPoints(m.Extra)

	if m.Balance == m.ProviderBalance && len(m.Missing) == 0 && len(m.Extra) == 0 {
		return nil
	}
	return m
}

func sortOutPoints(ops []models.OutPoint) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].TxID != ops[j].TxID {
			return ops[i].TxID < ops[j].TxID
		}
		return ops[i].Vout < ops[j].Vout
	})
}
