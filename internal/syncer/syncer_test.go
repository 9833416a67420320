package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain/chaintest"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/discovery"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/pool"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
	"github.com/stretchr/testify/require"
)

type labelDeriver struct{}

func (labelDeriver) Address(account uint32, ch models.Chain, index uint32) (string, error) {
	return label(account, ch, index), nil
}

func label(account uint32, ch models.Chain, index uint32) string {
	return fmt.Sprintf("addr-%d-%d-%d", account, uint32(ch), index)
}

func recv(index uint32) string   { return label(0, models.ChainReceive, index) }
func change(index uint32) string { return label(0, models.ChainChange, index) }

func newSyncer(t *testing.T, gap int) (*Syncer, *chaintest.Chain) {
	t.Helper()
	c := chaintest.New(&chaincfg.TestNet3Params)
	cfg := Config{GapLimit: gap, MinSyncInterval: 30 * time.Second}
	return New(cfg, labelDeriver{}, c, pool.New(4)), c
}

func TestDiscoverAndLoad_FreshWallet(t *testing.T) {
	s, _ := newSyncer(t, 3)

	rep, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Skipped)
	require.Empty(t, rep.Failed)

	snap := s.State().Snapshot()
	require.Len(t, snap.Accounts, 1)
	require.Len(t, snap.Accounts[0].Receive, 3)
	require.Len(t, snap.Accounts[0].Change, 3)
	require.Equal(t, -1, snap.Accounts[0].LastUsedReceive)
	require.Zero(t, snap.Balance)
	require.True(t, s.State().Loaded())
	require.False(t, s.State().LastSync().IsZero())
}

func TestDiscoverAndLoad_LoadsBalance(t *testing.T) {
	s, c := newSyncer(t, 3)
	c.Fund(1, recv(0), 50_000)
	c.Fund(2, recv(2), 20_000)
	c.Fund(3, change(1), 7_000)

	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	st := s.State()
	require.Equal(t, int64(77_000), st.Balance())

	a, ok := st.Address(recv(2))
	require.True(t, ok)
	require.Equal(t, chaintest.TxID(2), a.LastSeenTxID)
	require.Equal(t, int64(20_000), a.Balance)

	u, ok := st.UTXO(models.OutPoint{TxID: chaintest.TxID(3), Vout: 0})
	require.True(t, ok)
	require.Equal(t, change(1), u.Address)
	require.False(t, u.Spent)

	snap := st.Snapshot()
	require.Equal(t, 2, snap.Accounts[0].LastUsedReceive)
	require.Len(t, snap.Accounts[0].Receive, 6)
	require.Equal(t, 1, snap.Accounts[0].LastUsedChange)
	require.Len(t, snap.Accounts[0].Change, 5)
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestApply_OrderIndependent(t *testing.T) {
	fund := models.Tx{
		TxID:      chaintest.TxID(1),
		Confirmed: true,
		Outputs:   []models.TxOutput{{Vout: 0, Address: recv(0), Value: 1_000}},
	}
	spend := models.Tx{
		TxID:      chaintest.TxID(2),
		Confirmed: true,
		Inputs:    []models.TxInput{{PrevTxID: fund.TxID, PrevVout: 0, Address: recv(0), Value: 1_000}},
		Outputs: []models.TxOutput{
			{Vout: 0, Address: recv(1), Value: 900},
			{Vout: 1, Address: "external", Value: 50},
		},
	}
	type leg struct {
		address string
		tx      models.Tx
	}
	legs := []leg{
		{recv(0), fund},
		{recv(0), spend},
		{recv(1), spend},
	}

	for _, order := range permutations(len(legs)) {
		st := NewState(labelDeriver{}, 3)
		_, err := st.load(&discovery.Result{})
		require.NoError(t, err)

		for _, i := range order {
			l := legs[i]
			st.apply(l.address, []models.Tx{l.tx}, l.tx.TxID)
		}

		snap := st.Snapshot()
		require.Equal(t, int64(900), snap.Balance, "order %v", order)
		require.Len(t, snap.UTXOs, 1, "order %v", order)
		require.Equal(t, models.OutPoint{TxID: spend.TxID, Vout: 0}, snap.UTXOs[0].OutPoint)
		require.False(t, snap.UTXOs[0].Spent)

		a, _ := st.Address(recv(0))
		require.Zero(t, a.Balance, "order %v", order)
	}
}

func TestApply_LegAppliedOnce(t *testing.T) {
	st := NewState(labelDeriver{}, 3)
	_, err := st.load(&discovery.Result{})
	require.NoError(t, err)

	tx := models.Tx{
		TxID:      chaintest.TxID(1),
		Confirmed: true,
		Outputs: []models.TxOutput{
			{Vout: 0, Address: recv(0), Value: 1_000},
			{Vout: 1, Address: recv(1), Value: 2_000},
		},
	}
	require.Equal(t, 1, st.apply(recv(0), []models.Tx{tx}, tx.TxID))
	require.Equal(t, 0, st.apply(recv(0), []models.Tx{tx}, tx.TxID))
	require.Equal(t, 1, st.apply(recv(1), []models.Tx{tx}, tx.TxID))
	require.Equal(t, int64(3_000), st.Balance())
}

func TestSyncAddresses_Idempotent(t *testing.T) {
	s, c := newSyncer(t, 3)
	c.Fund(1, recv(0), 10_000)
	c.AddTx(models.Tx{
		TxID:    chaintest.TxID(2),
		Inputs:  []models.TxInput{{PrevTxID: chaintest.TxID(1), PrevVout: 0, Address: recv(0), Value: 10_000}},
		Outputs: []models.TxOutput{{Vout: 0, Address: change(0), Value: 9_000}},
	})

	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)
	before := s.State().Snapshot()

	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Transactions)
	require.Zero(t, rep.Extended)

	after := s.State().Snapshot()
	before.LastSync, after.LastSync = time.Time{}, time.Time{}
	require.Equal(t, before, after)
	require.Equal(t, int64(9_000), after.Balance)
}

func TestSyncAddresses_Incremental(t *testing.T) {
	s, c := newSyncer(t, 3)
	c.SetPageSize(2)
	for i := 1; i <= 5; i++ {
		c.Fund(i, recv(0), 1_000)
	}

	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5_000), s.State().Balance())

	c.Fund(6, recv(0), 500)
	calls := c.Calls("TransactionHistory")
	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Transactions)
	require.Equal(t, int64(5_500), s.State().Balance())

	// One page per address: the stored last-seen id ends the walk on the
	// first page for recv(0) and every other address has no history.
	require.Equal(t, rep.Addresses, c.Calls("TransactionHistory")-calls)

	a, _ := s.State().Address(recv(0))
	require.Equal(t, chaintest.TxID(6), a.LastSeenTxID)
}

func TestSyncAddresses_FailureIsolated(t *testing.T) {
	s, c := newSyncer(t, 3)
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	c.Fund(1, recv(0), 1_000)
	c.Fund(2, recv(1), 2_000)
	boom := errors.New("provider down")
	c.Fail(recv(1), boom)

	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Failed, 1)
	require.ErrorIs(t, rep.Failed[recv(1)], boom)
	require.Equal(t, int64(1_000), s.State().Balance())

	b, _ := s.State().Address(recv(1))
	require.Empty(t, b.LastSeenTxID)

	c.Fail(recv(1), nil)
	rep, err = s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.Empty(t, rep.Failed)
	require.Equal(t, int64(3_000), s.State().Balance())
}

func TestSyncAddresses_SkipsWhileRunning(t *testing.T) {
	s, c := newSyncer(t, 3)
	s.status.Store(StatusSyncing)

	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)
	require.Zero(t, c.Calls("TransactionHistory"))

	rep, err = s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Skipped)

	s.status.Store(StatusIdle)
	rep, err = s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Skipped)
	require.False(t, s.Syncing())
}

func TestSyncAddresses_FollowUpRounds(t *testing.T) {
	s, c := newSyncer(t, 3)
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	// recv(5) is only derived once recv(2) is seen as used.
	c.Fund(1, recv(2), 1_000)
	c.Fund(2, recv(5), 2_000)

	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Rounds)
	require.Equal(t, 6, rep.Extended)
	require.Equal(t, int64(3_000), s.State().Balance())

	snap := s.State().Snapshot()
	require.Equal(t, 5, snap.Accounts[0].LastUsedReceive)
	require.Len(t, snap.Accounts[0].Receive, 9)
}

func TestSyncAddresses_StalledCursor(t *testing.T) {
	c := chaintest.New(&chaincfg.TestNet3Params)
	q := &stalledHistory{Chain: c}
	s := New(Config{GapLimit: 2}, labelDeriver{}, q, pool.New(2))
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	q.stuck = recv(0)
	rep, err := s.SyncAddresses(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, rep.Failed[recv(0)], chain.ErrProtocol)
}

// stalledHistory returns the same page for one address whatever the cursor.
type stalledHistory struct {
	*chaintest.Chain
	stuck string
}

func (q *stalledHistory) TransactionHistory(ctx context.Context, address, cursor string) ([]models.Tx, error) {
	if address != q.stuck {
		return q.Chain.TransactionHistory(ctx, address, cursor)
	}
	if cursor == "" {
		return []models.Tx{{TxID: chaintest.TxID(9), Confirmed: true}}, nil
	}
	return []models.Tx{{TxID: cursor, Confirmed: true}}, nil
}

func TestFetchNew_SkipsUnconfirmed(t *testing.T) {
	c := chaintest.New(&chaincfg.TestNet3Params)
	q := &mixedHistory{Chain: c}
	s := New(Config{GapLimit: 2}, labelDeriver{}, q, pool.New(2))

	txs, newest, err := s.fetchNew(context.Background(), recv(0), "")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, chaintest.TxID(2), newest)
}

// mixedHistory serves an unconfirmed transaction ahead of a confirmed one.
type mixedHistory struct {
	*chaintest.Chain
}

func (q *mixedHistory) TransactionHistory(ctx context.Context, address, cursor string) ([]models.Tx, error) {
	if cursor == "" {
		return []models.Tx{
			{TxID: chaintest.TxID(3)},
			{TxID: chaintest.TxID(2), Confirmed: true},
		}, nil
	}
	return nil, nil
}

func TestRequestSync_Throttled(t *testing.T) {
	s, c := newSyncer(t, 2)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	ran, rep, err := s.RequestSync(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.NotNil(t, rep)

	calls := c.Calls("TransactionHistory")
	clock = clock.Add(30 * time.Second)
	ran, _, err = s.RequestSync(context.Background())
	require.NoError(t, err)
	require.False(t, ran)
	require.Equal(t, calls, c.Calls("TransactionHistory"))

	clock = clock.Add(time.Second)
	ran, _, err = s.RequestSync(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Greater(t, c.Calls("TransactionHistory"), calls)
}

func TestNextAddress_Allocation(t *testing.T) {
	s, c := newSyncer(t, 2)
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	a, err := s.NextReceiveAddress(0)
	require.NoError(t, err)
	require.Equal(t, recv(0), a.Encoded)
	require.True(t, a.Reserved)

	b, err := s.NextReceiveAddress(0)
	require.NoError(t, err)
	require.Equal(t, recv(1), b.Encoded)

	_, err = s.NextReceiveAddress(0)
	require.ErrorIs(t, err, ErrDiscoveryAllocation)

	// Change chain is allocated independently.
	ch, err := s.NextChangeAddress(0)
	require.NoError(t, err)
	require.Equal(t, change(0), ch.Encoded)

	// Activity on recv(0) moves the window forward.
	c.Fund(1, recv(0), 1_000)
	_, err = s.SyncAddresses(context.Background())
	require.NoError(t, err)

	used, _ := s.State().Address(recv(0))
	require.False(t, used.Reserved)

	next, err := s.NextReceiveAddress(0)
	require.NoError(t, err)
	require.Equal(t, recv(2), next.Encoded)

	s.State().Release(recv(1))
	next, err = s.NextReceiveAddress(0)
	require.NoError(t, err)
	require.Equal(t, recv(1), next.Encoded)
}

func TestMarkSent(t *testing.T) {
	s, c := newSyncer(t, 2)
	op := c.Fund(1, recv(0), 1_000)
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.State().MarkSent([]models.OutPoint{op, {TxID: chaintest.TxID(99)}}, at)

	u, ok := s.State().UTXO(op)
	require.True(t, ok)
	require.True(t, u.Sent)
	require.Equal(t, at, u.SentAt)
	require.Equal(t, int64(1_000), s.State().Balance())
}

func TestReserve(t *testing.T) {
	s, c := newSyncer(t, 3)
	c.Fund(1, recv(0), 1_000)
	_, err := s.DiscoverAndLoad(context.Background())
	require.NoError(t, err)

	require.False(t, s.State().Reserve(recv(0)), "used address")
	require.False(t, s.State().Reserve("tb1qunknown"))
	require.True(t, s.State().Reserve(change(0)))

	next, err := s.NextChangeAddress(0)
	require.NoError(t, err)
	require.Equal(t, change(1), next.Encoded)
}

func TestAudit_Consistent(t *testing.T) {
	s, c := newSyncer(t, 3)
	c.Fund(1, recv(0), 50_000)
	c.Fund(2, change(1), 7_000)

	ctx := context.Background()
	_, err := s.DiscoverAndLoad(ctx)
	require.NoError(t, err)

	rep, err := s.Audit(ctx)
	require.NoError(t, err)
	require.False(t, rep.Skipped)
	require.Equal(t, 2, rep.Addresses)
	require.Empty(t, rep.Mismatches)
	require.Empty(t, rep.Failed)
}

func TestAudit_ReportsDrift(t *testing.T) {
	s, c := newSyncer(t, 3)
	spent := c.Fund(1, recv(0), 50_000)
	c.Fund(2, recv(1), 20_000)

	ctx := context.Background()
	_, err := s.DiscoverAndLoad(ctx)
	require.NoError(t, err)

	// Confirmed after the sync: a spend from recv(0) and a deposit to recv(1).
	c.AddTx(models.Tx{
		TxID:    chaintest.TxID(3),
		Inputs:  []models.TxInput{{PrevTxID: spent.TxID, PrevVout: spent.Vout, Address: recv(0), Value: 50_000}},
		Outputs: []models.TxOutput{{Vout: 0, Address: "external", Value: 49_000}},
	})
	deposit := c.Fund(4, recv(1), 1_500)

	rep, err := s.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 2)

	m := rep.Mismatches[0]
	require.Equal(t, recv(0), m.Address)
	require.Equal(t, int64(50_000), m.Balance)
	require.Zero(t, m.ProviderBalance)
	require.Equal(t, []models.OutPoint{spent}, m.Extra)
	require.Empty(t, m.Missing)

	m = rep.Mismatches[1]
	require.Equal(t, recv(1), m.Address)
	require.Equal(t, int64(20_000), m.Balance)
	require.Equal(t, int64(21_500), m.ProviderBalance)
	require.Equal(t, []models.OutPoint{deposit}, m.Missing)

	// The audit changes nothing; the next sync closes the gap.
	require.Equal(t, int64(70_000), s.State().Balance())
	_, err = s.SyncAddresses(ctx)
	require.NoError(t, err)
	rep, err = s.Audit(ctx)
	require.NoError(t, err)
	require.Empty(t, rep.Mismatches)
}

func TestSyncAddresses_AuditBalances(t *testing.T) {
	c := chaintest.New(&chaincfg.TestNet3Params)
	s := New(Config{GapLimit: 3, AuditBalances: true}, labelDeriver{}, c, pool.New(4))
	c.Fund(1, recv(0), 10_000)

	ctx := context.Background()
	rep, err := s.DiscoverAndLoad(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Audit)
	require.Equal(t, 1, rep.Audit.Addresses)
	require.Empty(t, rep.Audit.Mismatches)

	c.Fail(recv(0), errors.New("provider down"))
	rep, err = s.SyncAddresses(ctx)
	require.NoError(t, err)
	require.Contains(t, rep.Failed, recv(0))
	require.Contains(t, rep.Audit.Failed, recv(0))
}
