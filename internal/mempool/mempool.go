// Package mempool implements the Mempool (C4): admission, dedup,
// ordering, and batch atomicity over signed L2 transactions, plus a
// relay of confirmed priority ops from the L1 Watcher. Grounded on
// _examples/ethereum-go-ethereum/core/txpool's per-sender-list design
// (legacypool keeps one sorted list per sender address; this mempool
// keeps a single arrival-order list across all accounts and leaves
// nonce checks to the state keeper at execution time) and its
// sentinel-error / table-driven-test idiom
// (_examples/ethereum-go-ethereum/core/txpool/validation_test.go).
package mempool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/storage"
)

// RejectKind enumerates the admission-rejection taxonomy from spec §4.2.
type RejectKind string

const (
	RejectInvalidSig         RejectKind = "InvalidSig"
	RejectBadNonce           RejectKind = "BadNonce"
	RejectUnknownToken       RejectKind = "UnknownToken"
	RejectLowFee             RejectKind = "LowFee"
	RejectExpired            RejectKind = "Expired"
	RejectMalformedAmount    RejectKind = "MalformedAmount"
	RejectForbiddenRecipient RejectKind = "ForbiddenRecipient"
	RejectDuplicateHash      RejectKind = "DuplicateHash"
	RejectAccountClosed      RejectKind = "AccountClosed"
	RejectBatchSigMismatch   RejectKind = "BatchSigMismatch"
)

// Reject is returned by Submit/SubmitBatch on admission failure.
type Reject struct {
	Kind RejectKind
	Msg  string
}

func (r *Reject) Error() string { return string(r.Kind) + ": " + r.Msg }

func reject(kind RejectKind, msg string) error { return &Reject{Kind: kind, Msg: msg} }

// Validator abstracts the checks that need chain/state context the
// mempool itself doesn't own: signature verification, token existence,
// account resolution, and the dynamic minimum fee. Kept as an interface
// so the state keeper's account-tree view can be injected without the
// mempool importing merkletree directly.
type Validator interface {
	VerifySignature(tx *chain.Tx) error
	TokenExists(id chain.TokenID) bool
	ResolveAccount(addr common.Address) (id chain.AccountID, exists bool)
	AccountAuthMode(id chain.AccountID) chain.AccountAuthMode
	MinFee(token chain.TokenID) *chain.Amount
}

// entry is one admitted mempool tx.
type entry struct {
	hash    common.Hash
	tx      *chain.Tx
	batchID *uint64
	arrival time.Time
}

// TxStore is the slice of *storage.Store the mempool persists through;
// an interface so tests can supply a fake rather than a live Postgres
// connection, the same separation
// _examples/ethereum-go-ethereum/core/txpool draws between its
// in-memory pools and the optional journal backend.
type TxStore interface {
	InsertMempoolTx(ctx context.Context, row *storage.MempoolTxRow) error
	RemoveMempoolTx(ctx context.Context, txHash []byte) error
}

// Mempool is C4. A single mutex guards admission and iteration,
// matching spec §5's "guarded by a single logical owner" policy.
type Mempool struct {
	mu sync.Mutex

	store     TxStore
	validator Validator
	log       log.Logger

	byHash  map[common.Hash]*entry
	order   []common.Hash // arrival order, batch members consecutive
	nextBatchID uint64

	priorityBuffer []chain.PriorityOp
}

// New constructs an empty Mempool.
func New(store TxStore, validator Validator) *Mempool {
	return &Mempool{
		store:     store,
		validator: validator,
		log:       log.New("component", "mempool"),
		byHash:    make(map[common.Hash]*entry),
	}
}

// Submit admits a single signed tx.
func (m *Mempool) Submit(ctx context.Context, tx *chain.Tx, hash common.Hash, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(ctx, tx, hash, nil, now)
}

// SubmitBatch admits a list of txs sharing one batch_id atomically: if
// any member fails admission, none are added (spec §4.2 batch
// atomicity extends to admission, not only execution).
func (m *Mempool) SubmitBatch(ctx context.Context, txs []*chain.Tx, hashes []common.Hash, now time.Time) (uint64, error) {
	if len(txs) != len(hashes) {
		return 0, reject(RejectMalformedAmount, "tx/hash count mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batchID := m.nextBatchID
	m.nextBatchID++

	admitted := make([]common.Hash, 0, len(txs))
	for i, tx := range txs {
		if err := m.admitLocked(ctx, tx, hashes[i], &batchID, now); err != nil {
			for _, h := range admitted {
				m.removeLocked(h)
				if rmErr := m.store.RemoveMempoolTx(ctx, h.Bytes()); rmErr != nil {
					m.log.Warn("batch rollback: remove stored tx failed", "hash", h, "err", rmErr)
				}
			}
			return 0, err
		}
		admitted = append(admitted, hashes[i])
	}
	return batchID, nil
}

func (m *Mempool) admitLocked(ctx context.Context, tx *chain.Tx, hash common.Hash, batchID *uint64, now time.Time) error {
	if _, exists := m.byHash[hash]; exists {
		return reject(RejectDuplicateHash, "already in mempool")
	}

	if err := m.checkValidFrom(tx, now); err != nil {
		return err
	}
	if !m.validator.TokenExists(tx.FeeToken()) {
		return reject(RejectUnknownToken, "fee token unknown")
	}
	if err := m.checkRecipient(tx); err != nil {
		return err
	}
	if err := m.checkAccountResolvable(tx); err != nil {
		return err
	}
	if err := m.checkChangePubKeyPolicy(tx); err != nil {
		return err
	}
	if err := m.validator.VerifySignature(tx); err != nil {
		return reject(RejectInvalidSig, err.Error())
	}
	fee := feeOf(tx)
	if fee == nil || fee.Lt(m.validator.MinFee(tx.FeeToken())) {
		return reject(RejectLowFee, "fee below dynamic minimum")
	}

	row := &storage.MempoolTxRow{
		TxHash:    hash.Bytes(),
		BatchID:   batchID,
		CreatedAt: now,
	}
	if err := m.store.InsertMempoolTx(ctx, row); err != nil {
		if errors.Is(err, storage.ErrDuplicateTx) {
			return reject(RejectDuplicateHash, "already executed or in mempool")
		}
		return err
	}

	e := &entry{hash: hash, tx: tx, batchID: batchID, arrival: now}
	m.byHash[hash] = e
	m.order = append(m.order, hash)
	return nil
}

func (m *Mempool) checkValidFrom(tx *chain.Tx, now time.Time) error {
	var from, until time.Time
	switch tx.Kind {
	case chain.TxTransfer:
		from, until = tx.Transfer.ValidFrom, tx.Transfer.ValidUntil
	case chain.TxWithdraw:
		from, until = tx.Withdraw.ValidFrom, tx.Withdraw.ValidUntil
	case chain.TxChangePubKey:
		from, until = tx.ChangePubKey.ValidFrom, tx.ChangePubKey.ValidUntil
	case chain.TxForcedExit:
		from, until = tx.ForcedExit.ValidFrom, tx.ForcedExit.ValidUntil
	case chain.TxWithdrawNFT:
		from, until = tx.WithdrawNFT.ValidFrom, tx.WithdrawNFT.ValidUntil
	default:
		return nil // MintNFT/Swap carry no validity window in this model
	}
	if until.IsZero() {
		return nil
	}
	if now.Before(from) || now.After(until) {
		return reject(RejectExpired, "outside valid_from/valid_until window")
	}
	return nil
}

func (m *Mempool) checkRecipient(tx *chain.Tx) error {
	var to common.Address
	switch tx.Kind {
	case chain.TxTransfer:
		to = tx.Transfer.To
	case chain.TxForcedExit:
		to = tx.ForcedExit.Target
	default:
		return nil
	}
	if to == (common.Address{}) {
		return reject(RejectForbiddenRecipient, "transfer to zero address")
	}
	return nil
}

// checkAccountResolvable rejects a tx from an account id that the
// validator has never seen (no on-chain deposit/registration yet) and
// that isn't a nonce-0 first tx, so the state keeper never has to guess
// whether a from_account_id exists.
func (m *Mempool) checkAccountResolvable(tx *chain.Tx) error {
	id := tx.FromAccount()
	if m.validator.AccountAuthMode(id) == chain.AuthModeUnset && tx.Nonce() != 0 {
		return reject(RejectBadNonce, "account not yet resolvable and nonce != 0")
	}
	return nil
}

func (m *Mempool) checkChangePubKeyPolicy(tx *chain.Tx) error {
	if tx.Kind != chain.TxChangePubKey {
		return nil
	}
	mode := m.validator.AccountAuthMode(tx.ChangePubKey.AccountID)
	cp := tx.ChangePubKey
	switch mode {
	case chain.AuthModeCREATE2:
		if cp.AuthKind != chain.AuthCREATE2Witness {
			return reject(RejectInvalidSig, "CREATE2 account requires CREATE2 witness")
		}
	case chain.AuthModeNo2FA:
		if cp.AuthKind != chain.AuthEIP712Sig && cp.AuthKind != chain.AuthOnchainFact {
			// No2FA accounts require only the zk signature; any
			// additional Ethereum-side auth is accepted but not
			// required, so only reject the CREATE2 witness variant
			// which implies a different account kind entirely.
			if cp.AuthKind == chain.AuthCREATE2Witness {
				return reject(RejectInvalidSig, "No2FA account cannot use CREATE2 witness")
			}
		}
	}
	return nil
}

func feeOf(tx *chain.Tx) *chain.Amount {
	switch tx.Kind {
	case chain.TxTransfer:
		return tx.Transfer.Fee
	case chain.TxWithdraw:
		return tx.Withdraw.Fee
	case chain.TxChangePubKey:
		return tx.ChangePubKey.Fee
	case chain.TxForcedExit:
		return tx.ForcedExit.Fee
	case chain.TxMintNFT:
		return tx.MintNFT.Fee
	case chain.TxWithdrawNFT:
		return tx.WithdrawNFT.Fee
	case chain.TxSwap:
		return tx.Swap.Fee
	default:
		return nil
	}
}

// removeLocked drops a tx from the in-memory index only; the caller is
// responsible for the storage-side delete when appropriate (rollback
// of a partially-admitted batch never persisted any later member, and
// the earlier ones were already persisted and must be undone too).
func (m *Mempool) removeLocked(hash common.Hash) {
	delete(m.byHash, hash)
	for i, h := range m.order {
		if h == hash {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Commit removes a tx from the mempool once the state keeper has
// decided its fate (included successfully, failed execution, or the
// whole batch failed) — spec §4.3's "peek/commit cursor" contract.
func (m *Mempool) Commit(ctx context.Context, hash common.Hash) error {
	m.mu.Lock()
	m.removeLocked(hash)
	m.mu.Unlock()
	return m.store.RemoveMempoolTx(ctx, hash.Bytes())
}

// NextPriorityOps relays up to limit confirmed priority ops to the
// state keeper, in the order they were injected. The buffer does not
// sort; ascending serial_id comes from the callers, since the watcher
// emits ops only in serial_id sequence and the startup reload reads
// them from storage in serial_id order.
func (m *Mempool) NextPriorityOps(limit int) []chain.PriorityOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.priorityBuffer) {
		limit = len(m.priorityBuffer)
	}
	out := make([]chain.PriorityOp, limit)
	copy(out, m.priorityBuffer[:limit])
	return out
}

// InjectPriorityOp appends a confirmed priority op to the relay buffer;
// called by the L1 Watcher's subscriber, not stored as a mempool tx.
func (m *Mempool) InjectPriorityOp(op chain.PriorityOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorityBuffer = append(m.priorityBuffer, op)
}

// AckPriorityOps drops relayed ops once a sealed block has consumed
// them (op.SerialID <= through).
func (m *Mempool) AckPriorityOps(through uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for ; i < len(m.priorityBuffer); i++ {
		if m.priorityBuffer[i].SerialID > through {
			break
		}
	}
	m.priorityBuffer = m.priorityBuffer[i:]
}

// Iterator drains admitted txs in admission order, keeping batch
// members consecutive, for the State Keeper to peek/commit against.
type Iterator struct {
	m    *Mempool
	pos  int
	seen map[common.Hash]bool
}

// TakeIterator returns a fresh draining cursor over the current
// mempool snapshot (spec §4.2's take_iterator).
func (m *Mempool) TakeIterator() *Iterator {
	return &Iterator{m: m, seen: make(map[common.Hash]bool)}
}

// Peek returns the next tx without consuming it, or nil at end.
func (it *Iterator) Peek() (common.Hash, *chain.Tx, *uint64) {
	it.m.mu.Lock()
	defer it.m.mu.Unlock()
	for it.pos < len(it.m.order) {
		h := it.m.order[it.pos]
		e, ok := it.m.byHash[h]
		if !ok || it.seen[h] {
			it.pos++
			continue
		}
		return h, e.tx, e.batchID
	}
	return common.Hash{}, nil, nil
}

// Advance moves the cursor past the last Peek'd entry without
// committing it to storage (the state keeper calls Commit separately
// once the op's fate — success or failure — is durable). The entry is
// marked seen rather than skipped by position, so a Commit that removes
// it from the arrival list does not also skip the entry after it.
func (it *Iterator) Advance() {
	it.m.mu.Lock()
	defer it.m.mu.Unlock()
	if it.pos < len(it.m.order) {
		it.seen[it.m.order[it.pos]] = true
	}
}

// Get returns the tx admitted under hash, if it is still present.
func (m *Mempool) Get(hash common.Hash) (*chain.Tx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// BatchMembers returns every entry sharing batchID, consecutive in
// arrival order, used by the state keeper to apply/roll back a batch
// as a unit.
func (m *Mempool) BatchMembers(batchID uint64) []common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []common.Hash
	for _, h := range m.order {
		e := m.byHash[h]
		if e != nil && e.batchID != nil && *e.batchID == batchID {
			out = append(out, h)
		}
	}
	return out
}
