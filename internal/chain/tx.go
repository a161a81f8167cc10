package chain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind discriminates the L2 transaction sum type.
type TxKind uint8

const (
	TxTransfer TxKind = iota
	TxWithdraw
	TxChangePubKey
	TxForcedExit
	TxMintNFT
	TxWithdrawNFT
	TxSwap
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "Transfer"
	case TxWithdraw:
		return "Withdraw"
	case TxChangePubKey:
		return "ChangePubKey"
	case TxForcedExit:
		return "ForcedExit"
	case TxMintNFT:
		return "MintNFT"
	case TxWithdrawNFT:
		return "WithdrawNFT"
	case TxSwap:
		return "Swap"
	default:
		return "Unknown"
	}
}

// ChangePubKeyAuthKind selects which of the four authorization variants
// a ChangePubKey carries.
type ChangePubKeyAuthKind uint8

const (
	AuthOnchainFact ChangePubKeyAuthKind = iota
	AuthEIP712Sig
	AuthCREATE2Witness
	AuthNo2FA
)

// Transfer moves funds between two rollup accounts.
type Transfer struct {
	From          AccountID
	To            common.Address
	Token         TokenID
	Amount        *Amount
	FeeToken      TokenID
	Fee           *Amount
	Nonce         uint32
	ValidFrom     time.Time
	ValidUntil    time.Time
	ZkSig         []byte
	EthSig        []byte
}

// Withdraw moves funds from a rollup account to an L1 address,
// recorded as onchain-visible public data.
type Withdraw struct {
	From       AccountID
	ToL1       common.Address
	Token      TokenID
	Amount     *Amount
	Fee        *Amount
	Nonce      uint32
	ValidFrom  time.Time
	ValidUntil time.Time
	ZkSig      []byte
	EthSig     []byte
}

// ChangePubKey rebinds an account's zk public-key hash.
type ChangePubKey struct {
	AccountID    AccountID
	NewPubKeyHash PubKeyHash
	Nonce        uint32
	Fee          *Amount
	FeeToken     TokenID
	AuthKind     ChangePubKeyAuthKind
	AuthProof    []byte
	ValidFrom    time.Time
	ValidUntil   time.Time
}

// ForcedExit withdraws a target account's entire balance (minus fee) to
// its own L1 address; the initiator pays the fee but the funds move out
// of the target, not the initiator.
type ForcedExit struct {
	Initiator  AccountID
	Target     common.Address
	Token      TokenID
	Fee        *Amount
	Nonce      uint32
	ValidFrom  time.Time
	ValidUntil time.Time
	ZkSig      []byte
}

// MintNFT allocates a new NFT token_id and credits one unit to the
// recipient.
type MintNFT struct {
	Creator     AccountID
	Recipient   AccountID
	ContentHash common.Hash
	Fee         *Amount
	FeeToken    TokenID
	Nonce       uint32
	ZkSig       []byte
}

// WithdrawNFT moves a single NFT token to an L1 address.
type WithdrawNFT struct {
	From       AccountID
	ToL1       common.Address
	Token      TokenID
	Fee        *Amount
	FeeToken   TokenID
	Nonce      uint32
	ValidFrom  time.Time
	ValidUntil time.Time
	ZkSig      []byte
}

// SwapOrder is one half of a co-signed Swap.
type SwapOrder struct {
	AccountID  AccountID
	Recipient  common.Address
	TokenSell  TokenID
	TokenBuy   TokenID
	AmountSell *Amount
	AmountBuy  *Amount
	Nonce      uint32
	ValidFrom  time.Time
	ValidUntil time.Time
	ZkSig      []byte
}

// Swap atomically executes two signed orders submitted together by a
// (possibly third-party) submitter.
type Swap struct {
	Submitter AccountID
	OrderA    SwapOrder
	OrderB    SwapOrder
	AmountA   *Amount
	AmountB   *Amount
	Fee       *Amount
	FeeToken  TokenID
	Nonce     uint32
}

// Tx is the L2 transaction sum type. Exactly one payload field is set,
// selected by Kind. A single struct (rather than an interface) keeps
// the mempool and state keeper able to switch on Kind without type
// assertions littering every call site, matching how go-ethereum's own
// transaction envelope dispatches on tx.Type().
type Tx struct {
	Kind TxKind

	Transfer     *Transfer
	Withdraw     *Withdraw
	ChangePubKey *ChangePubKey
	ForcedExit   *ForcedExit
	MintNFT      *MintNFT
	WithdrawNFT  *WithdrawNFT
	Swap         *Swap
}

// FromAccount returns the account id that must authorize the tx and
// pays its fee (the Swap/ForcedExit submitter, not necessarily the
// account whose balance moves).
func (t *Tx) FromAccount() AccountID {
	switch t.Kind {
	case TxTransfer:
		return t.Transfer.From
	case TxWithdraw:
		return t.Withdraw.From
	case TxChangePubKey:
		return t.ChangePubKey.AccountID
	case TxForcedExit:
		return t.ForcedExit.Initiator
	case TxMintNFT:
		return t.MintNFT.Creator
	case TxWithdrawNFT:
		return t.WithdrawNFT.From
	case TxSwap:
		return t.Swap.Submitter
	default:
		return 0
	}
}

// Nonce returns the nonce field carried by the tx.
func (t *Tx) Nonce() uint32 {
	switch t.Kind {
	case TxTransfer:
		return t.Transfer.Nonce
	case TxWithdraw:
		return t.Withdraw.Nonce
	case TxChangePubKey:
		return t.ChangePubKey.Nonce
	case TxForcedExit:
		return t.ForcedExit.Nonce
	case TxMintNFT:
		return t.MintNFT.Nonce
	case TxWithdrawNFT:
		return t.WithdrawNFT.Nonce
	case TxSwap:
		return t.Swap.Nonce
	default:
		return 0
	}
}

// FeeToken returns the token the tx's fee is charged in.
func (t *Tx) FeeToken() TokenID {
	switch t.Kind {
	case TxTransfer:
		return t.Transfer.FeeToken
	case TxWithdraw:
		return t.Withdraw.Token
	case TxChangePubKey:
		return t.ChangePubKey.FeeToken
	case TxForcedExit:
		return t.ForcedExit.Token
	case TxMintNFT:
		return t.MintNFT.FeeToken
	case TxWithdrawNFT:
		return t.WithdrawNFT.FeeToken
	case TxSwap:
		return t.Swap.FeeToken
	default:
		return 0
	}
}

// RequiresOnchainAuth reports whether the tx is a ChangePubKey whose
// authorization is an onchain fact (AuthOnchainFact).
func (t *Tx) RequiresOnchainAuth() bool {
	return t.Kind == TxChangePubKey && t.ChangePubKey.AuthKind == AuthOnchainFact
}
