package token

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const defaultConfirmTimeout = 2 * time.Minute

// ERC20Config configures the EVM transfer adapter. The signing key controls
// the custody account: deposits pull funds with transferFrom (payers approve
// custody beforehand) and payouts push them with transfer.
type ERC20Config struct {
	RPCURL         string
	PrivateKeyHex  string
	ConfirmTimeout time.Duration
}

// ERC20 implements Adapter for ERC-20 tokens, where Transfer.Token is the token
// contract address.
type ERC20 struct {
	backend bind.ContractBackend
	waiter  bind.DeployBackend
	abi     abi.ABI
	opts    *bind.TransactOpts
	custody common.Address
	timeout time.Duration

	mu        sync.Mutex
	contracts map[common.Address]*bind.BoundContract
	memos     map[string]memoEntry
}

type memoEntry struct {
	outcome Outcome
	txHash  string
}

var _ Forgetter = (*ERC20)(nil)

type evmBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// DialERC20 connects to the configured RPC endpoint and prepares a keyed
// transactor for the custody account.
func DialERC20(ctx context.Context, cfg ERC20Config) (*ERC20, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("erc20: rpc url is required")
	}
	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("erc20: dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("erc20: fetch chain id: %w", err)
	}
	return NewERC20(cli, key, chainID, cfg.ConfirmTimeout)
}

// NewERC20 builds an adapter over an existing backend.
func NewERC20(backend evmBackend, key *ecdsa.PrivateKey, chainID *big.Int, confirmTimeout time.Duration) (*ERC20, error) {
	if backend == nil {
		return nil, fmt.Errorf("erc20: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("erc20: custody key required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("erc20: parse abi: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("erc20: transactor: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &ERC20{
		backend:   backend,
		waiter:    backend,
		abi:       parsed,
		opts:      opts,
		custody:   crypto.PubkeyToAddress(key.PublicKey),
		timeout:   confirmTimeout,
		contracts: make(map[common.Address]*bind.BoundContract),
		memos:     make(map[string]memoEntry),
	}, nil
}

// Custody returns the address holding escrowed tokens.
func (e *ERC20) Custody() string { return e.custody.Hex() }

// TransferIn implements Adapter by pulling funds from the payer.
func (e *ERC20) TransferIn(ctx context.Context, t Transfer) (Receipt, error) {
	if err := e.validate(t); err != nil {
		return Receipt{Outcome: OutcomeFailed}, err
	}
	return e.submit(ctx, t, "transferFrom", common.HexToAddress(t.Principal), e.custody, t.Amount)
}

// TransferOut implements Adapter by pushing funds to the recipient.
func (e *ERC20) TransferOut(ctx context.Context, t Transfer) (Receipt, error) {
	if err := e.validate(t); err != nil {
		return Receipt{Outcome: OutcomeFailed}, err
	}
	return e.submit(ctx, t, "transfer", common.HexToAddress(t.Principal), t.Amount)
}

func (e *ERC20) validate(t Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !common.IsHexAddress(t.Principal) {
		return fmt.Errorf("%w: principal %s is not an evm address", ErrInvalidTransfer, t.Principal)
	}
	if !common.IsHexAddress(t.Token) {
		return fmt.Errorf("%w: %s", ErrUnsupportedToken, t.Token)
	}
	return nil
}

func (e *ERC20) submit(ctx context.Context, t Transfer, method string, args ...interface{}) (Receipt, error) {
	memo := ""
	if len(t.Memo) > 0 {
		memo = hex.EncodeToString(t.Memo)
	}
	e.mu.Lock()
	if prev, ok := e.memos[memo]; ok && memo != "" {
		e.mu.Unlock()
		if prev.outcome == OutcomeSuccess {
			return Receipt{Outcome: OutcomeSuccess, Reference: prev.txHash}, nil
		}
		return e.recheck(ctx, memo, method, prev.txHash)
	}
	contract := e.boundContract(common.HexToAddress(t.Token))
	e.mu.Unlock()

	opts := *e.opts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Receipt{Outcome: OutcomeUnknown}, fmt.Errorf("%w: send %s: %v", ErrOutcomeUnknown, method, err)
		}
		return Receipt{Outcome: OutcomeFailed}, fmt.Errorf("erc20: send %s: %w", method, err)
	}
	txHash := tx.Hash().Hex()
	e.remember(memo, OutcomeUnknown, txHash)

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, e.waiter, tx)
	result, err := classifyReceipt(receipt, err)
	result.Reference = txHash
	switch result.Outcome {
	case OutcomeSuccess:
		e.remember(memo, OutcomeSuccess, txHash)
	case OutcomeFailed:
		e.forget(memo)
	}
	return result, err
}

// recheck asks the node for the receipt of a transaction submitted earlier
// under memo instead of sending it twice. A missing receipt keeps the outcome
// Unknown; a revert clears the memo so the next attempt resubmits.
func (e *ERC20) recheck(ctx context.Context, memo, method, txHash string) (Receipt, error) {
	receipt, err := e.waiter.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return Receipt{Outcome: OutcomeUnknown, Reference: txHash}, fmt.Errorf("%w: %s already submitted as %s: %v", ErrOutcomeUnknown, method, txHash, err)
	}
	result, err := classifyReceipt(receipt, nil)
	result.Reference = txHash
	switch result.Outcome {
	case OutcomeSuccess:
		e.remember(memo, OutcomeSuccess, txHash)
	case OutcomeFailed:
		e.forget(memo)
	}
	return result, err
}

// Forget implements Forgetter.
func (e *ERC20) Forget(memo []byte) {
	if len(memo) == 0 {
		return
	}
	e.forget(hex.EncodeToString(memo))
}

// classifyReceipt maps a mined receipt or a wait error onto an Outcome. Any
// failure to observe the receipt after submission is Unknown.
func classifyReceipt(receipt *gethtypes.Receipt, waitErr error) (Receipt, error) {
	if waitErr != nil {
		return Receipt{Outcome: OutcomeUnknown}, fmt.Errorf("%w: wait for receipt: %v", ErrOutcomeUnknown, waitErr)
	}
	if receipt == nil {
		return Receipt{Outcome: OutcomeUnknown}, fmt.Errorf("%w: receipt missing", ErrOutcomeUnknown)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return Receipt{Outcome: OutcomeFailed}, fmt.Errorf("erc20: transaction %s reverted", receipt.TxHash.Hex())
	}
	return Receipt{Outcome: OutcomeSuccess}, nil
}

func (e *ERC20) boundContract(addr common.Address) *bind.BoundContract {
	if c, ok := e.contracts[addr]; ok {
		return c
	}
	c := bind.NewBoundContract(addr, e.abi, e.backend, e.backend, e.backend)
	e.contracts[addr] = c
	return c
}

func (e *ERC20) remember(memo string, outcome Outcome, txHash string) {
	if memo == "" {
		return
	}
	e.mu.Lock()
	e.memos[memo] = memoEntry{outcome: outcome, txHash: txHash}
	e.mu.Unlock()
}

func (e *ERC20) forget(memo string) {
	if memo == "" {
		return
	}
	e.mu.Lock()
	delete(e.memos, memo)
	e.mu.Unlock()
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("erc20: private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("erc20: parse private key: %w", err)
	}
	return key, nil
}
