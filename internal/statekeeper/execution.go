package statekeeper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/storage"
)

// scratch is a per-op (or per-batch) overlay on top of the live account
// tree: reads fall through to the tree, writes land in the overlay, and
// nothing is visible to the tree until commit. This is what gives a
// failing batch member all-or-nothing semantics (spec §4.2/§8 property
// 7, scenario S2) without needing a real transactional tree — discard
// the scratch instead of rolling anything back.
type scratch struct {
	k        *StateKeeper
	overlay  map[chain.AccountID]*chain.Account
	newAddrs map[common.Address]chain.AccountID
	newCount int
}

func newScratch(k *StateKeeper) *scratch {
	return &scratch{
		k:        k,
		overlay:  make(map[chain.AccountID]*chain.Account),
		newAddrs: make(map[common.Address]chain.AccountID),
	}
}

// byID fetches an already-known account id (the caller must have
// established it exists — Transfer/Withdraw/etc. senders are always
// resolved accounts by the time they reach execution).
func (s *scratch) byID(id chain.AccountID) *chain.Account {
	if acc, ok := s.overlay[id]; ok {
		return acc
	}
	acc := s.k.accountByID(id, common.Address{})
	s.overlay[id] = acc
	return acc
}

// byAddr resolves (or creates) an account by L1 address, matching how
// Deposit/Transfer recipients are named in the wire format.
func (s *scratch) byAddr(addr common.Address) *chain.Account {
	if id, ok := s.k.addrIndex[addr]; ok {
		return s.byID(id)
	}
	if id, ok := s.newAddrs[addr]; ok {
		return s.overlay[id]
	}
	id := s.k.tree.NextAccountID() + chain.AccountID(s.newCount)
	s.newCount++
	acc := chain.NewAccount(id, addr)
	s.overlay[id] = acc
	s.newAddrs[addr] = id
	return acc
}

// commit installs every touched account into the live tree and
// registers any newly created address mappings. Called only once the
// whole op (or whole batch) is known to have succeeded.
func (s *scratch) commit() {
	for _, acc := range s.overlay {
		s.k.tree.SetAccount(acc)
	}
	for addr, id := range s.newAddrs {
		s.k.addrIndex[addr] = id
	}
}

// snapshots converts every touched account into its durable row form,
// for persisting alongside the executed-op record.
func (s *scratch) snapshots() []storage.AccountSnapshot {
	out := make([]storage.AccountSnapshot, 0, len(s.overlay))
	for _, acc := range s.overlay {
		snap := storage.AccountSnapshot{
			Account: storage.AccountRow{
				ID:         uint32(acc.ID),
				Address:    acc.Address.Bytes(),
				Nonce:      acc.Nonce,
				PubKeyHash: acc.PubKeyHash[:],
			},
		}
		for token, bal := range acc.Balances {
			snap.Balances = append(snap.Balances, storage.BalanceRow{
				AccountID: uint32(acc.ID),
				TokenID:   uint32(token),
				Balance:   bal.String(),
			})
		}
		out = append(out, snap)
	}
	return out
}

func (k *StateKeeper) addressOf(id chain.AccountID) common.Address {
	if acc, ok := k.tree.Account(id); ok {
		return acc.Address
	}
	return common.Address{}
}

// applyPriorityOpLocked executes an L1-originated op. Deposit never
// fails; FullExit fails only if the account was never created on L1
// (it bypasses mempool admission entirely, so this is the only check
// left to make here).
func (k *StateKeeper) applyPriorityOpLocked(pop chain.PriorityOp) (chain.ExecutedOp, []storage.AccountSnapshot) {
	s := newScratch(k)
	success, failReason := k.execPriorityOp(s, &pop)
	var touched []storage.AccountSnapshot
	if success {
		s.commit()
		touched = s.snapshots()
	}
	return chain.ExecutedOp{
		Kind:           chain.ExecutedPriority,
		Hash:           priorityOpHash(pop),
		PriorityOp:     &pop,
		Success:        success,
		FailReason:     failReason,
		BlockNumber:    k.number,
		BlockIndex:     uint32(len(k.ops)),
		SequenceNumber: k.nextSequence(),
	}, touched
}

func priorityOpHash(pop chain.PriorityOp) common.Hash {
	var serial [8]byte
	binary.BigEndian.PutUint64(serial[:], pop.SerialID)
	return crypto.Keccak256Hash(pop.EthHash.Bytes(), serial[:])
}

func (k *StateKeeper) execPriorityOp(s *scratch, pop *chain.PriorityOp) (bool, string) {
	switch pop.Kind {
	case chain.PriorityOpDeposit:
		d := pop.Deposit
		acc := s.byAddr(d.Recipient)
		acc.Balances[d.Token] = new(chain.Amount).Add(acc.Balance(d.Token), d.Amount)
		return true, ""
	case chain.PriorityOpFullExit:
		fe := pop.FullExit
		if _, ok := k.tree.Account(fe.AccountID); !ok {
			return false, "account not found"
		}
		acc := s.byID(fe.AccountID)
		acc.Balances[fe.Token] = chain.NewAmount(0)
		return true, ""
	default:
		return false, "unknown priority op kind"
	}
}

// applyTxLocked executes a single, non-batched mempool tx.
func (k *StateKeeper) applyTxLocked(hash common.Hash, tx *chain.Tx, batchID *uint64) (chain.ExecutedOp, []storage.AccountSnapshot) {
	s := newScratch(k)
	success, failReason, computedAmount := k.execOne(s, tx)
	var touched []storage.AccountSnapshot
	if success {
		s.commit()
		touched = s.snapshots()
	}
	return chain.ExecutedOp{
		Kind:           chain.ExecutedL2,
		Hash:           hash,
		Tx:             tx,
		BatchID:        batchID,
		Success:        success,
		FailReason:     failReason,
		BlockNumber:    k.number,
		BlockIndex:     uint32(len(k.ops)),
		SequenceNumber: k.nextSequence(),
		ComputedAmount: computedAmount,
	}, touched
}

// applyBatchLocked executes every member of a batch against one shared
// scratch, so later members see earlier members' mutations. If any
// member fails, the whole scratch is discarded and every member in the
// batch is reported failed (spec §4.2/§8 property 7, scenario S2).
func (k *StateKeeper) applyBatchLocked(hashes []common.Hash, txs []*chain.Tx, batchID uint64) ([]chain.ExecutedOp, []storage.AccountSnapshot) {
	s := newScratch(k)
	oks := make([]bool, len(txs))
	reasons := make([]string, len(txs))
	amounts := make([]*chain.Amount, len(txs))
	allOK := true
	for i, tx := range txs {
		ok, reason, amount := k.execOne(s, tx)
		oks[i] = ok
		reasons[i] = reason
		amounts[i] = amount
		if !ok {
			allOK = false
		}
	}
	var touched []storage.AccountSnapshot
	if allOK {
		s.commit()
		touched = s.snapshots()
	}
	ops := make([]chain.ExecutedOp, len(txs))
	for i, tx := range txs {
		success := allOK
		reason := reasons[i]
		if !allOK && oks[i] {
			reason = "sibling batch member failed"
		}
		ops[i] = chain.ExecutedOp{
			Kind:           chain.ExecutedL2,
			Hash:           hashes[i],
			Tx:             tx,
			BatchID:        &batchID,
			Success:        success,
			FailReason:     reason,
			BlockNumber:    k.number,
			BlockIndex:     uint32(len(k.ops) + i),
			SequenceNumber: k.nextSequence(),
			ComputedAmount: amounts[i],
		}
	}
	return ops, touched
}

// execOne applies a single tx and reports success/failure plus, for tx
// kinds whose persisted amount isn't a direct tx field, the computed
// amount to carry onto the resulting ExecutedOp (see
// chain.ExecutedOp.ComputedAmount).
func (k *StateKeeper) execOne(s *scratch, tx *chain.Tx) (bool, string, *chain.Amount) {
	switch tx.Kind {
	case chain.TxTransfer:
		ok, reason := execTransfer(s, k, tx.Transfer)
		return ok, reason, nil
	case chain.TxWithdraw:
		ok, reason := execWithdraw(s, k, tx.Withdraw)
		return ok, reason, nil
	case chain.TxChangePubKey:
		ok, reason := execChangePubKey(s, k, tx.ChangePubKey)
		return ok, reason, nil
	case chain.TxForcedExit:
		return execForcedExit(s, k, tx.ForcedExit)
	case chain.TxMintNFT:
		ok, reason, _ := execMintNFT(s, k, tx.MintNFT)
		return ok, reason, nil
	case chain.TxWithdrawNFT:
		ok, reason := execWithdrawNFT(s, k, tx.WithdrawNFT)
		return ok, reason, nil
	case chain.TxSwap:
		ok, reason := execSwap(s, k, tx.Swap)
		return ok, reason, nil
	default:
		return false, "unknown tx kind", nil
	}
}

func execTransfer(s *scratch, k *StateKeeper, tr *chain.Transfer) (bool, string) {
	from := s.byID(tr.From)
	if tr.Nonce != from.Nonce {
		return false, "bad nonce"
	}
	total := tr.Amount
	if tr.FeeToken == tr.Token {
		total = new(chain.Amount).Add(tr.Amount, tr.Fee)
	}
	bal := from.Balance(tr.Token)
	if bal.Lt(total) {
		return false, "insufficient balance"
	}
	var feeBal *chain.Amount
	if tr.FeeToken != tr.Token {
		feeBal = from.Balance(tr.FeeToken)
		if feeBal.Lt(tr.Fee) {
			return false, "insufficient fee balance"
		}
	}

	from.Balances[tr.Token] = new(chain.Amount).Sub(bal, total)
	if tr.FeeToken != tr.Token {
		from.Balances[tr.FeeToken] = new(chain.Amount).Sub(feeBal, tr.Fee)
	}
	from.Nonce++

	to := s.byAddr(tr.To)
	to.Balances[tr.Token] = new(chain.Amount).Add(to.Balance(tr.Token), tr.Amount)

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[tr.FeeToken] = new(chain.Amount).Add(feeAcc.Balance(tr.FeeToken), tr.Fee)
	return true, ""
}

func execWithdraw(s *scratch, k *StateKeeper, w *chain.Withdraw) (bool, string) {
	from := s.byID(w.From)
	if w.Nonce != from.Nonce {
		return false, "bad nonce"
	}
	total := new(chain.Amount).Add(w.Amount, w.Fee)
	bal := from.Balance(w.Token)
	if bal.Lt(total) {
		return false, "insufficient balance"
	}
	from.Balances[w.Token] = new(chain.Amount).Sub(bal, total)
	from.Nonce++

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[w.Token] = new(chain.Amount).Add(feeAcc.Balance(w.Token), w.Fee)
	return true, ""
}

func execChangePubKey(s *scratch, k *StateKeeper, cp *chain.ChangePubKey) (bool, string) {
	acc := s.byID(cp.AccountID)
	if cp.Nonce != acc.Nonce {
		return false, "bad nonce"
	}
	bal := acc.Balance(cp.FeeToken)
	if bal.Lt(cp.Fee) {
		return false, "insufficient fee balance"
	}
	acc.Balances[cp.FeeToken] = new(chain.Amount).Sub(bal, cp.Fee)
	acc.PubKeyHash = cp.NewPubKeyHash
	acc.Nonce++

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[cp.FeeToken] = new(chain.Amount).Add(feeAcc.Balance(cp.FeeToken), cp.Fee)

	// The auth variant a ChangePubKey carries establishes the account's
	// auth mode going forward (spec §4.3): a CREATE2 witness or No2FA
	// proof puts the account into that restricted mode; an onchain-fact
	// or EIP-712 signature is the normal path and (re-)establishes
	// AuthModeNormal. k.mu is already held by the caller (applyTxLocked/
	// applyBatchLocked), so this writes k.authMode directly.
	switch cp.AuthKind {
	case chain.AuthCREATE2Witness:
		k.authMode[cp.AccountID] = chain.AuthModeCREATE2
	case chain.AuthNo2FA:
		k.authMode[cp.AccountID] = chain.AuthModeNo2FA
	default:
		k.authMode[cp.AccountID] = chain.AuthModeNormal
	}
	return true, ""
}

// execForcedExit debits the target (not the initiator) by its entire
// balance: balance-minus-fee leaves as an onchain withdrawal, fee goes
// to the fee account. The initiator only authorizes the op and pays no
// balance of its own — "initiator pays the fee" names who triggers it,
// not whose balance funds it.
func execForcedExit(s *scratch, k *StateKeeper, fe *chain.ForcedExit) (bool, string, *chain.Amount) {
	initiator := s.byID(fe.Initiator)
	if fe.Nonce != initiator.Nonce {
		return false, "bad nonce", nil
	}
	targetID, ok := k.addrIndex[fe.Target]
	if !ok {
		return false, "target account unresolvable", nil
	}
	target := s.byID(targetID)
	bal := target.Balance(fe.Token)
	if bal.Lt(fe.Fee) {
		return false, "target balance below fee", nil
	}
	withdrawn := new(chain.Amount).Sub(bal, fe.Fee)
	target.Balances[fe.Token] = chain.NewAmount(0)
	initiator.Nonce++

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[fe.Token] = new(chain.Amount).Add(feeAcc.Balance(fe.Token), fe.Fee)
	return true, "", withdrawn
}

func execMintNFT(s *scratch, k *StateKeeper, m *chain.MintNFT) (bool, string, chain.TokenID) {
	creator := s.byID(m.Creator)
	if m.Nonce != creator.Nonce {
		return false, "bad nonce", 0
	}
	bal := creator.Balance(m.FeeToken)
	if bal.Lt(m.Fee) {
		return false, "insufficient fee balance", 0
	}
	creator.Balances[m.FeeToken] = new(chain.Amount).Sub(bal, m.Fee)
	creator.Nonce++

	tokenID := k.nextNFTID
	k.nextNFTID++
	recipient := s.byID(m.Recipient)
	recipient.Balances[tokenID] = chain.NewAmount(1)

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[m.FeeToken] = new(chain.Amount).Add(feeAcc.Balance(m.FeeToken), m.Fee)
	return true, "", tokenID
}

func execWithdrawNFT(s *scratch, k *StateKeeper, w *chain.WithdrawNFT) (bool, string) {
	acc := s.byID(w.From)
	if w.Nonce != acc.Nonce {
		return false, "bad nonce"
	}
	if acc.Balance(w.Token).IsZero() {
		return false, "nft not owned"
	}
	feeBal := acc.Balance(w.FeeToken)
	if feeBal.Lt(w.Fee) {
		return false, "insufficient fee balance"
	}
	acc.Balances[w.Token] = chain.NewAmount(0)
	acc.Balances[w.FeeToken] = new(chain.Amount).Sub(feeBal, w.Fee)
	acc.Nonce++

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[w.FeeToken] = new(chain.Amount).Add(feeAcc.Balance(w.FeeToken), w.Fee)
	return true, ""
}

// execSwap settles directly between the two orders' accounts: OrderA's
// account receives AmountB of OrderA.TokenBuy, OrderB's account
// receives AmountA of OrderB.TokenBuy. The orders' Recipient address is
// only the L1 address used for signature domain separation — swap
// proceeds always land on the account that signed the order, never on
// an arbitrary third-party recipient.
func execSwap(s *scratch, k *StateKeeper, sw *chain.Swap) (bool, string) {
	oa, ob := sw.OrderA, sw.OrderB
	if oa.TokenSell != ob.TokenBuy || oa.TokenBuy != ob.TokenSell {
		return false, "mismatched order token pair"
	}
	if sw.AmountA.Gt(oa.AmountSell) || sw.AmountB.Gt(ob.AmountSell) {
		return false, "amount exceeds order limit"
	}
	if sw.AmountB.Lt(oa.AmountBuy) || sw.AmountA.Lt(ob.AmountBuy) {
		return false, "amount below order minimum"
	}

	submitter := s.byID(sw.Submitter)
	if sw.Nonce != submitter.Nonce {
		return false, "bad nonce"
	}

	accA := s.byID(oa.AccountID)
	accB := s.byID(ob.AccountID)

	balA := accA.Balance(oa.TokenSell)
	if balA.Lt(sw.AmountA) {
		return false, "orderA insufficient balance"
	}
	balB := accB.Balance(ob.TokenSell)
	if balB.Lt(sw.AmountB) {
		return false, "orderB insufficient balance"
	}

	feeBal := submitter.Balance(sw.FeeToken)
	if feeBal.Lt(sw.Fee) {
		return false, "insufficient fee balance"
	}

	accA.Balances[oa.TokenSell] = new(chain.Amount).Sub(balA, sw.AmountA)
	accA.Balances[oa.TokenBuy] = new(chain.Amount).Add(accA.Balance(oa.TokenBuy), sw.AmountB)
	accB.Balances[ob.TokenSell] = new(chain.Amount).Sub(balB, sw.AmountB)
	accB.Balances[ob.TokenBuy] = new(chain.Amount).Add(accB.Balance(ob.TokenBuy), sw.AmountA)

	submitter.Balances[sw.FeeToken] = new(chain.Amount).Sub(feeBal, sw.Fee)
	submitter.Nonce++

	feeAcc := s.byID(k.cfg.FeeAccountID)
	feeAcc.Balances[sw.FeeToken] = new(chain.Amount).Add(feeAcc.Balance(sw.FeeToken), sw.Fee)
	return true, ""
}

func (k *StateKeeper) persistExecutedPriorityOpLocked(ctx context.Context, op chain.ExecutedOp, touched []storage.AccountSnapshot) error {
	pop := op.PriorityOp
	payload, err := json.Marshal(pop)
	if err != nil {
		return err
	}
	row := &storage.ExecutedPriorityOperationRow{
		SerialID:       pop.SerialID,
		TxHash:         op.Hash.Bytes(),
		EthHash:        pop.EthHash.Bytes(),
		EthBlock:       pop.EthBlock,
		EthBlockIndex:  int32(pop.EthBlockIndex),
		BlockNumber:    op.BlockNumber,
		BlockIndex:     op.BlockIndex,
		Operation:      payload,
		SequenceNumber: op.SequenceNumber,
	}
	switch pop.Kind {
	case chain.PriorityOpDeposit:
		d := pop.Deposit
		return k.store.RecordExecutedPriorityOp(ctx, row, touched, storage.NewFilterEntry(d.Recipient.Bytes(), uint32(d.Token)))
	case chain.PriorityOpFullExit:
		fe := pop.FullExit
		return k.store.RecordExecutedPriorityOp(ctx, row, touched, storage.NewFilterEntry(fe.EthAddress.Bytes(), uint32(fe.Token)))
	default:
		return fmt.Errorf("statekeeper: unknown priority op kind %v", pop.Kind)
	}
}

func (k *StateKeeper) persistExecutedTxLocked(ctx context.Context, op chain.ExecutedOp, touched []storage.AccountSnapshot) error {
	tx := op.Tx
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	row := &storage.ExecutedTransactionRow{
		TxHash:         op.Hash.Bytes(),
		BlockNumber:    op.BlockNumber,
		BlockIndex:     op.BlockIndex,
		Success:        op.Success,
		FailReason:     op.FailReason,
		FromAccount:    uint32(tx.FromAccount()),
		Nonce:          tx.Nonce(),
		Tx:             payload,
		SequenceNumber: op.SequenceNumber,
		BatchID:        op.BatchID,
	}
	fromAddr := k.addressOf(tx.FromAccount())

	switch tx.Kind {
	case chain.TxTransfer:
		t := tx.Transfer
		row.Token = uint32(t.Token)
		row.Amount = t.Amount.String()
		row.Fee = t.Fee.String()
		row.EthSignData = t.EthSig
		if to, ok := k.addrIndex[t.To]; ok {
			v := uint32(to)
			row.ToAccount = &v
		}
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(t.Token)),
			storage.NewFilterEntry(t.To.Bytes(), uint32(t.Token)))

	case chain.TxWithdraw:
		w := tx.Withdraw
		row.Token = uint32(w.Token)
		row.Amount = w.Amount.String()
		row.Fee = w.Fee.String()
		row.EthSignData = w.EthSig
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(w.Token)))

	case chain.TxChangePubKey:
		c := tx.ChangePubKey
		row.Token = uint32(c.FeeToken)
		row.Amount = "0"
		row.Fee = c.Fee.String()
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(c.FeeToken)))

	case chain.TxForcedExit:
		f := tx.ForcedExit
		row.Token = uint32(f.Token)
		if op.ComputedAmount != nil {
			row.Amount = op.ComputedAmount.String()
		} else {
			row.Amount = "0"
		}
		row.Fee = f.Fee.String()
		if to, ok := k.addrIndex[f.Target]; ok {
			v := uint32(to)
			row.ToAccount = &v
		}
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(f.Token)),
			storage.NewFilterEntry(f.Target.Bytes(), uint32(f.Token)))

	case chain.TxMintNFT:
		m := tx.MintNFT
		row.Token = uint32(m.FeeToken)
		row.Amount = "1"
		row.Fee = m.Fee.String()
		recipientAddr := k.addressOf(m.Recipient)
		v := uint32(m.Recipient)
		row.ToAccount = &v
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(m.FeeToken)),
			storage.NewFilterEntry(recipientAddr.Bytes(), uint32(m.FeeToken)))

	case chain.TxWithdrawNFT:
		w := tx.WithdrawNFT
		row.Token = uint32(w.Token)
		row.Amount = "1"
		row.Fee = w.Fee.String()
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(w.FeeToken)))

	case chain.TxSwap:
		sw := tx.Swap
		row.Token = uint32(sw.FeeToken)
		row.Amount = sw.AmountA.String()
		row.Fee = sw.Fee.String()
		return k.store.RecordExecutedTransaction(ctx, row, touched,
			storage.NewFilterEntry(fromAddr.Bytes(), uint32(sw.FeeToken)),
			storage.NewFilterEntry(k.addressOf(sw.OrderA.AccountID).Bytes(), uint32(sw.OrderA.TokenSell)),
			storage.NewFilterEntry(k.addressOf(sw.OrderB.AccountID).Bytes(), uint32(sw.OrderB.TokenSell)))

	default:
		return fmt.Errorf("statekeeper: unknown tx kind %v", tx.Kind)
	}
}
