package syncer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/discovery"
	"github.com/olehkaliuzhnyi/btc-hdwallet/pkg/models"
)

// ErrDiscoveryAllocation is returned when no free address is left within
// the gap window of a chain.
var ErrDiscoveryAllocation = errors.New("no free address within gap window")

// State is the live state of one wallet. All methods are safe for
// concurrent use; every reconciliation step is applied atomically.
type State struct {
	mu sync.RWMutex

	deriver  discovery.AddressDeriver
	gapLimit int

	accounts  map[uint32]*account
	addresses map[string]*models.Address
	utxos     map[models.OutPoint]*models.UTXO
	balance   int64
	lastSync  time.Time
	loaded    bool

	// applied records, per transaction id, the addresses whose legs of
	// that transaction have been reconciled.
	applied map[string]map[string]struct{}
}

type account struct {
	chains [2]*chainState
}

type chainState struct {
	addrs    []*models.Address
	lastUsed int
}

// NewState returns an empty state deriving addresses with deriver.
func NewState(deriver discovery.AddressDeriver, gapLimit int) *State {
	return &State{
		deriver:   deriver,
		gapLimit:  gapLimit,
		accounts:  make(map[uint32]*account),
		addresses: make(map[string]*models.Address),
		utxos:     make(map[models.OutPoint]*models.UTXO),
		applied:   make(map[string]map[string]struct{}),
	}
}

func (s *State) account(n uint32) *account {
	a, ok := s.accounts[n]
	if !ok {
		a = &account{}
		for i := range a.chains {
			a.chains[i] = &chainState{lastUsed: -1}
		}
		s.accounts[n] = a
	}
	return a
}

func (s *State) chain(n uint32, ch models.Chain) *chainState {
	return s.account(n).chains[ch]
}

// load merges a discovery result. Addresses already tracked keep their
// sync state. When nothing was discovered account 0 is still created so
// the wallet can receive.
func (s *State) load(res *discovery.Result) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	merge := func(number uint32, ch models.Chain, scan discovery.ScanResult) {
		cs := s.chain(number, ch)
		for _, a := range scan.Addresses {
			if int(a.Index) < len(cs.addrs) {
				continue
			}
			addr := a
			cs.addrs = append(cs.addrs, &addr)
			s.addresses[addr.Encoded] = &addr
			added = append(added, addr.Encoded)
		}
		if scan.LastExist > cs.lastUsed {
			cs.lastUsed = scan.LastExist
		}
	}
	for _, acct := range res.Accounts {
		merge(acct.Number, models.ChainReceive, acct.Receive)
		merge(acct.Number, models.ChainChange, acct.Change)
	}
	s.account(0)

	extended, err := s.extendWindows()
	if err != nil {
		return nil, err
	}
	s.loaded = true
	return append(added, extended...), nil
}

// extendWindows makes every account chain contiguous from index 0 through
// lastUsed+gapLimit. Callers hold the write lock.
func (s *State) extendWindows() ([]string, error) {
	var created []string
	for _, number := range s.accountNumbers() {
		for _, ch := range models.Chains {
			cs := s.chain(number, ch)
			for len(cs.addrs) < cs.lastUsed+s.gapLimit+1 {
				index := uint32(len(cs.addrs))
				encoded, err := s.deriver.Address(number, ch, index)
				if err != nil {
					return created, fmt.Errorf("derive %d/%s/%d: %w", number, ch, index, err)
				}
				addr := &models.Address{Account: number, Chain: ch, Index: index, Encoded: encoded}
				cs.addrs = append(cs.addrs, addr)
				s.addresses[encoded] = addr
				created = append(created, encoded)
			}
		}
	}
	return created, nil
}

// maintainGap raises each chain's last-used index to the highest address
// with a last-seen transaction and extends the scan window past it. It
// returns the newly derived addresses.
func (s *State) maintainGap() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		for _, cs := range a.chains {
			highest := -1
			for i, addr := range cs.addrs {
				if addr.Used() {
					highest = i
				}
			}
			if highest > cs.lastUsed {
				cs.lastUsed = highest
			}
		}
	}
	return s.extendWindows()
}

func (s *State) accountNumbers() []uint32 {
	numbers := make([]uint32, 0, len(s.accounts))
	for n := range s.accounts {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// apply reconciles the legs of txs that belong to address and advances
// its last-seen transaction id. It returns the number of transactions
// reconciled for the first time.
//
// Spends and receipts of the same output may be observed by different
// address scans in either order: a spend seen first leaves a spent
// placeholder that the later receipt consumes without crediting.
func (s *State) apply(address string, txs []models.Tx, newest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.addresses[address]
	if !ok {
		return 0
	}

	n := 0
	for _, tx := range txs {
		legs, ok := s.applied[tx.TxID]
		if !ok {
			legs = make(map[string]struct{})
			s.applied[tx.TxID] = legs
		}
		if _, done := legs[address]; done {
			continue
		}
		legs[address] = struct{}{}
		n++

		for _, in := range tx.Inputs {
			if in.Address != address {
				continue
			}
			s.spend(addr, models.OutPoint{TxID: in.PrevTxID, Vout: in.PrevVout}, in.Value)
		}
		for _, out := range tx.Outputs {
			if out.Address != address {
				continue
			}
			s.receive(addr, models.OutPoint{TxID: tx.TxID, Vout: out.Vout}, out.Value)
		}
	}

	if newest != "" {
		addr.LastSeenTxID = newest
		addr.Reserved = false
	}
	return n
}

func (s *State) spend(addr *models.Address, op models.OutPoint, value int64) {
	u, ok := s.utxos[op]
	switch {
	case !ok:
		s.utxos[op] = &models.UTXO{OutPoint: op, Value: value, Address: addr.Encoded, Spent: true}
	case !u.Spent:
		delete(s.utxos, op)
		addr.Balance -= u.Value
		s.balance -= u.Value
	}
}

func (s *State) receive(addr *models.Address, op models.OutPoint, value int64) {
	u, ok := s.utxos[op]
	switch {
	case !ok:
		s.utxos[op] = &models.UTXO{OutPoint: op, Value: value, Address: addr.Encoded}
		addr.Balance += value
		s.balance += value
	case u.Spent:
		delete(s.utxos, op)
	}
}

func (s *State) markSynced(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = at
}

// Loaded reports whether discovery has populated the state.
func (s *State) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Balance returns the aggregate balance in satoshis.
func (s *State) Balance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// LastSync returns when the last sync pass completed.
func (s *State) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Addresses returns every tracked encoded address.
func (s *State) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addresses))
	for encoded := range s.addresses {
		out = append(out, encoded)
	}
	sort.Strings(out)
	return out
}

// lastSeen returns the stored last-seen id of an address.
func (s *State) lastSeen(address string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.addresses[address]; ok {
		return a.LastSeenTxID
	}
	return ""
}

// usedAddresses returns copies of the addresses with confirmed history,
// sorted by encoding.
func (s *State) usedAddresses() []models.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Address
	for _, a := range s.addresses {
		if a.Used() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Encoded < out[j].Encoded })
	return out
}

// unspent returns the outpoints the state holds as unspent for address,
// sent-hinted ones included.
func (s *State) unspent(address string) map[models.OutPoint]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.OutPoint]struct{})
	for op, u := range s.utxos {
		if u.Address == address && !u.Spent {
			out[op] = struct{}{}
		}
	}
	return out
}

// Address returns a copy of the tracked address.
func (s *State) Address(encoded string) (models.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addresses[encoded]
	if !ok {
		return models.Address{}, false
	}
	return *a, true
}

// UTXO returns a copy of the tracked output, including spent placeholders.
func (s *State) UTXO(op models.OutPoint) (models.UTXO, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.utxos[op]
	if !ok {
		return models.UTXO{}, false
	}
	return *u, true
}

// MarkSent sets the advisory sent hint on outputs consumed by a broadcast
// transaction. Outputs no longer tracked are skipped.
func (s *State) MarkSent(ops []models.OutPoint, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if u, ok := s.utxos[op]; ok && !u.Spent {
			u.Sent = true
			u.SentAt = at
		}
	}
}

// NextAddress reserves and returns the lowest free address on a chain
// within the gap window after the last used index.
func (s *State) NextAddress(number uint32, ch models.Chain) (models.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[number]
	if !ok {
		return models.Address{}, fmt.Errorf("%w: unknown account %d", ErrDiscoveryAllocation, number)
	}
	cs := a.chains[ch]
	limit := cs.lastUsed + s.gapLimit
	for i := cs.lastUsed + 1; i <= limit && i < len(cs.addrs); i++ {
		addr := cs.addrs[i]
		if addr.Used() || addr.Reserved {
			continue
		}
		addr.Reserved = true
		return *addr, nil
	}
	return models.Address{}, fmt.Errorf("%w: account %d %s chain", ErrDiscoveryAllocation, number, ch)
}

// Release clears the reservation of an address that was never used.
func (s *State) Release(encoded string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.addresses[encoded]; ok {
		a.Reserved = false
	}
}

// Reserve marks a tracked, unused address as handed out. It reports
// whether the address is now reserved.
func (s *State) Reserve(encoded string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[encoded]
	if !ok || a.Used() {
		return false
	}
	a.Reserved = true
	return true
}

// AccountSnapshot is a read-only copy of one account.
type AccountSnapshot struct {
	Number          uint32           `json:"number"`
	Receive         []models.Address `json:"receive"`
	Change          []models.Address `json:"change"`
	LastUsedReceive int              `json:"last_used_receive"`
	LastUsedChange  int              `json:"last_used_change"`
}

// Snapshot is a read-only copy of the wallet state for presentation.
type Snapshot struct {
	Balance  int64             `json:"balance"`
	LastSync time.Time         `json:"last_sync"`
	Accounts []AccountSnapshot `json:"accounts"`
	UTXOs    []models.UTXO     `json:"utxos"` // sorted by txid, vout; includes placeholders
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Balance: s.balance, LastSync: s.lastSync}
	for _, number := range s.accountNumbers() {
		a := s.accounts[number]
		as := AccountSnapshot{
			Number:          number,
			LastUsedReceive: a.chains[models.ChainReceive].lastUsed,
			LastUsedChange:  a.chains[models.ChainChange].lastUsed,
		}
		for _, addr := range a.chains[models.ChainReceive].addrs {
			as.Receive = append(as.Receive, *addr)
		}
		for _, addr := range a.chains[models.ChainChange].addrs {
			as.Change = append(as.Change, *addr)
		}
		snap.Accounts = append(snap.Accounts, as)
	}

	snap.UTXOs = make([]models.UTXO, 0, len(s.utxos))
	for _, u := range s.utxos {
		snap.UTXOs = append(snap.UTXOs, *u)
	}
	sort.Slice(snap.UTXOs, func(i, j int) bool {
		a, b := snap.UTXOs[i], snap.UTXOs[j]
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.Vout < b.Vout
	})
	return snap
}
