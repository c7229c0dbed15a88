// Package evmchain implements the chain executor port against an EVM node.
// Settlements move ERC-20 stablecoins with locally held keys.
package evmchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/settlement"
)

var transferSelector = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// Client is the subset of the Ethereum RPC the executor uses. ethclient
// satisfies it; tests stub it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects to an EVM RPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evmchain: endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Token describes one supported ERC-20 asset.
type Token struct {
	Symbol   string
	Contract common.Address
	Decimals int32
}

// GasTier is one point of a gas estimate.
type GasTier struct {
	GasLimit uint64        `json:"gas_limit"`
	GasPrice *big.Int      `json:"gas_price"`
	Native   amount.Amount `json:"native"`
	USD      amount.Amount `json:"usd"`
}

// GasEstimate carries low/medium/high fee tiers in native units and USD.
type GasEstimate struct {
	Low  GasTier `json:"low"`
	Med  GasTier `json:"med"`
	High GasTier `json:"high"`
}

// Wallet is a locally generated key pair. The private key stays inside the
// executor; callers get a handle.
type Wallet struct {
	Address   string `json:"address"`
	KeyHandle string `json:"key_handle"`
}

// Config sets up an executor for one chain.
type Config struct {
	Chain string
	// Key signs outbound transfers.
	Key *ecdsa.PrivateKey
	// Tokens maps supported symbols to their contracts.
	Tokens []Token
	// ConfirmTimeout bounds the receipt wait after send; zero means
	// return as soon as the transaction is accepted by the node.
	ConfirmTimeout time.Duration
	// ConfirmPoll is the receipt polling interval, default one second.
	ConfirmPoll time.Duration
	// NativeUSDPrice converts gas costs to USD in estimates.
	NativeUSDPrice amount.Amount
}

// Executor implements settlement.ChainPort over an EVM node.
type Executor struct {
	client  Client
	cfg     Config
	from    common.Address
	logger  *slog.Logger
	bySym   map[string]Token
	byAddr  map[common.Address]Token
	mu      sync.Mutex
	wallets map[string]*ecdsa.PrivateKey
}

// Option customises the executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an executor. The signing key and at least one token are
// required.
func New(client Client, cfg Config, opts ...Option) (*Executor, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("evmchain: signing key required")
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("evmchain: at least one token required")
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = time.Second
	}
	e := &Executor{
		client:  client,
		cfg:     cfg,
		from:    gethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		logger:  slog.Default(),
		bySym:   make(map[string]Token, len(cfg.Tokens)),
		byAddr:  make(map[common.Address]Token, len(cfg.Tokens)),
		wallets: make(map[string]*ecdsa.PrivateKey),
	}
	for _, token := range cfg.Tokens {
		e.bySym[strings.ToUpper(token.Symbol)] = token
		e.byAddr[token.Contract] = token
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) token(symbol string) (Token, error) {
	token, ok := e.bySym[strings.ToUpper(symbol)]
	if !ok {
		return Token{}, faults.New(faults.CodeUnsupportedToken, "token %s not configured on %s", symbol, e.cfg.Chain)
	}
	return token, nil
}

// transferCalldata packs transfer(to, value).
func transferCalldata(to common.Address, value *uint256.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	v := value.Bytes32()
	data = append(data, v[:]...)
	return data
}

func (e *Executor) minorValue(amt amount.Amount, token Token) (*uint256.Int, error) {
	minor, err := amount.ToMinor(amt, token.Decimals)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInvalidAmount, err, "amount for %s", token.Symbol)
	}
	value, overflow := uint256.FromBig(minor)
	if overflow || minor.Sign() <= 0 {
		return nil, faults.New(faults.CodeInvalidAmount, "amount %s out of range", amount.Canonical(amt))
	}
	return value, nil
}

// Dispatch submits one ERC-20 transfer and waits for its receipt when a
// confirm timeout is configured.
func (e *Executor) Dispatch(ctx context.Context, item *settlement.Settlement) (*settlement.Receipt, error) {
	token, err := e.token(item.Token)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(item.Destination) {
		return nil, faults.New(faults.CodeInvalidAddress, "destination %q is not an EVM address", item.Destination)
	}
	value, err := e.minorValue(item.Amount, token)
	if err != nil {
		return nil, err
	}
	tx, err := e.send(ctx, token.Contract, transferCalldata(common.HexToAddress(item.Destination), value))
	if err != nil {
		return nil, err
	}
	return e.receiptFor(ctx, tx)
}

// DispatchBatch submits one transfer per batch member under consecutive
// nonces and reports the final transaction as the batch receipt. Any send
// failure fails the whole batch.
func (e *Executor) DispatchBatch(ctx context.Context, items []*settlement.Settlement) (*settlement.Receipt, error) {
	if len(items) == 0 {
		return nil, faults.New(faults.CodeInvalidAmount, "empty settlement batch")
	}
	var last *gethtypes.Transaction
	for _, item := range items {
		token, err := e.token(item.Token)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(item.Destination) {
			return nil, faults.New(faults.CodeInvalidAddress, "destination %q is not an EVM address", item.Destination)
		}
		value, err := e.minorValue(item.Amount, token)
		if err != nil {
			return nil, err
		}
		last, err = e.send(ctx, token.Contract, transferCalldata(common.HexToAddress(item.Destination), value))
		if err != nil {
			return nil, err
		}
	}
	return e.receiptFor(ctx, last)
}

func (e *Executor) send(ctx context.Context, contract common.Address, calldata []byte) (*gethtypes.Transaction, error) {
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "chain id")
	}
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "pending nonce")
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "gas price")
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &contract,
		Data: calldata,
	})
	if err != nil {
		return nil, faults.Wrap(faults.CodeChainSubmissionFailed, err, "estimate gas")
	}
	tx := gethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, calldata)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), e.cfg.Key)
	if err != nil {
		return nil, faults.Wrap(faults.CodeChainSubmissionFailed, err, "sign transaction")
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, faults.Wrap(faults.CodeChainSubmissionFailed, err, "send transaction")
	}
	return signed, nil
}

// receiptFor waits for the transaction to mine, bounded by ConfirmTimeout.
// Without a timeout the receipt is reported unmined.
func (e *Executor) receiptFor(ctx context.Context, tx *gethtypes.Transaction) (*settlement.Receipt, error) {
	result := &settlement.Receipt{
		TxHash: tx.Hash().Hex(),
		Chain:  e.cfg.Chain,
	}
	if e.cfg.ConfirmTimeout <= 0 {
		return result, nil
	}
	deadline := time.NewTimer(e.cfg.ConfirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.ConfirmPoll)
	defer tick.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil && !errIsNotFound(err) {
			return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "fetch receipt")
		}
		if receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, faults.New(faults.CodeChainSubmissionFailed, "transaction %s reverted", result.TxHash)
			}
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			result.GasUsed = receipt.GasUsed
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, faults.Wrap(faults.CodeUpstreamTimeout, ctx.Err(), "await receipt for %s", result.TxHash)
		case <-deadline.C:
			return nil, faults.New(faults.CodeUpstreamTimeout, "transaction %s unmined after %s", result.TxHash, e.cfg.ConfirmTimeout)
		case <-tick.C:
		}
	}
}

func errIsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found")
}

// GetTransaction resolves a settlement's on-chain state. A hash the node
// has never seen returns nil without error.
func (e *Executor) GetTransaction(ctx context.Context, txHash string) (*settlement.ChainTx, error) {
	hash := common.HexToHash(txHash)
	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errIsNotFound(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "transaction by hash")
	}
	if tx == nil {
		return nil, nil
	}
	out := &settlement.ChainTx{
		TxHash: txHash,
		Status: settlement.ChainTxPending,
	}
	e.decodeTransfer(tx, out)
	if pending {
		return out, nil
	}
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errIsNotFound(err) {
			return out, nil
		}
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "fetch receipt")
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		out.Status = settlement.ChainTxConfirmed
	} else {
		out.Status = settlement.ChainTxFailed
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// decodeTransfer extracts token, destination, and amount from ERC-20
// transfer calldata when the transaction targets a configured contract.
func (e *Executor) decodeTransfer(tx *gethtypes.Transaction, out *settlement.ChainTx) {
	to := tx.To()
	if to == nil {
		return
	}
	token, ok := e.byAddr[*to]
	if !ok {
		return
	}
	data := tx.Data()
	if len(data) != 4+32+32 || string(data[:4]) != string(transferSelector) {
		return
	}
	out.Token = token.Symbol
	out.To = common.BytesToAddress(data[4+12 : 4+32]).Hex()
	value := new(big.Int).SetBytes(data[4+32:])
	out.Amount = amount.FromMinor(value, token.Decimals)
}

// EstimateGas prices a transfer at three tiers, in native units and USD.
func (e *Executor) EstimateGas(ctx context.Context, destination string, amt amount.Amount, tokenSymbol string) (*GasEstimate, error) {
	token, err := e.token(tokenSymbol)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(destination) {
		return nil, faults.New(faults.CodeInvalidAddress, "destination %q is not an EVM address", destination)
	}
	value, err := e.minorValue(amt, token)
	if err != nil {
		return nil, err
	}
	calldata := transferCalldata(common.HexToAddress(destination), value)
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &token.Contract,
		Data: calldata,
	})
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "estimate gas")
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "gas price")
	}
	estimate := &GasEstimate{
		Low:  e.tier(gasLimit, gasPrice, 100),
		Med:  e.tier(gasLimit, gasPrice, 110),
		High: e.tier(gasLimit, gasPrice, 125),
	}
	return estimate, nil
}

// tier scales the suggested gas price by pct/100 and converts the total
// fee into native units (18 decimals) and USD.
func (e *Executor) tier(gasLimit uint64, gasPrice *big.Int, pct int64) GasTier {
	price := new(big.Int).Mul(gasPrice, big.NewInt(pct))
	price.Div(price, big.NewInt(100))
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(gasLimit))
	native := amount.FromMinor(fee, 18)
	return GasTier{
		GasLimit: gasLimit,
		GasPrice: price,
		Native:   native,
		USD:      native.Mul(e.cfg.NativeUSDPrice),
	}
}

// CreateWallet generates a fresh secp256k1 key held by the executor and
// returns its address and handle.
func (e *Executor) CreateWallet(_ context.Context) (*Wallet, error) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("evmchain: generate key: %w", err)
	}
	address := gethcrypto.PubkeyToAddress(key.PublicKey)
	handle := "key_" + strings.ToLower(address.Hex()[2:10])
	e.mu.Lock()
	e.wallets[handle] = key
	e.mu.Unlock()
	return &Wallet{Address: address.Hex(), KeyHandle: handle}, nil
}
