package evmchain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/settlement"
)

var (
	usdcContract = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	destination  = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
)

type stubClient struct {
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
	pendingOnly bool
	gasPrice    *big.Int
	gasLimit    uint64
}

func newStubClient() *stubClient {
	return &stubClient{
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		gasPrice: big.NewInt(2_000_000_000), // 2 gwei
		gasLimit: 60_000,
	}
}

func (c *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(8453), nil }

func (c *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(c.sent)), nil
}

func (c *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *stubClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return c.gasLimit, nil
}

func (c *stubClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	c.sent = append(c.sent, tx)
	c.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(1234),
		GasUsed:     52_000,
	}
	return nil
}

func (c *stubClient) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			return tx, c.pendingOnly, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *stubClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := c.receipts[hash]
	if !ok || c.pendingOnly {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newExecutor(t *testing.T, client Client) *Executor {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	e, err := New(client, Config{
		Chain:          "base",
		Key:            key,
		Tokens:         []Token{{Symbol: "USDC", Contract: usdcContract, Decimals: 6}},
		ConfirmTimeout: time.Second,
		ConfirmPoll:    time.Millisecond,
		NativeUSDPrice: amount.MustFromString("3000"),
	})
	require.NoError(t, err)
	return e
}

func settlementItem(value string) *settlement.Settlement {
	return &settlement.Settlement{
		SettlementID: "set_1",
		Token:        "USDC",
		Destination:  destination.Hex(),
		Amount:       amount.MustFromString(value),
	}
}

func TestDispatchSendsERC20Transfer(t *testing.T) {
	client := newStubClient()
	e := newExecutor(t, client)

	receipt, err := e.Dispatch(context.Background(), settlementItem("25"))
	require.NoError(t, err)
	require.Equal(t, "base", receipt.Chain)
	require.Equal(t, uint64(1234), receipt.BlockNumber)
	require.Equal(t, uint64(52_000), receipt.GasUsed)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	require.Equal(t, usdcContract, *tx.To())
	data := tx.Data()
	require.Len(t, data, 68)
	require.Equal(t, transferSelector, data[:4])
	require.Equal(t, destination, common.BytesToAddress(data[16:36]))
	// 25 USDC at 6 decimals.
	require.Zero(t, new(big.Int).SetBytes(data[36:]).Cmp(big.NewInt(25_000_000)))
}

func TestDispatchRejectsUnknownToken(t *testing.T) {
	e := newExecutor(t, newStubClient())
	item := settlementItem("25")
	item.Token = "SHIB"
	_, err := e.Dispatch(context.Background(), item)
	require.True(t, faults.Is(err, faults.CodeUnsupportedToken))
}

func TestDispatchRejectsBadAddress(t *testing.T) {
	e := newExecutor(t, newStubClient())
	item := settlementItem("25")
	item.Destination = "not-an-address"
	_, err := e.Dispatch(context.Background(), item)
	require.True(t, faults.Is(err, faults.CodeInvalidAddress))
}

func TestDispatchBatchSendsOneTransferPerMember(t *testing.T) {
	client := newStubClient()
	e := newExecutor(t, client)

	receipt, err := e.DispatchBatch(context.Background(), []*settlement.Settlement{
		settlementItem("10"), settlementItem("15"),
	})
	require.NoError(t, err)
	require.Len(t, client.sent, 2)
	require.Equal(t, client.sent[1].Hash().Hex(), receipt.TxHash)
	require.Equal(t, uint64(0), client.sent[0].Nonce())
	require.Equal(t, uint64(1), client.sent[1].Nonce())
}

func TestGetTransactionDecodesTransfer(t *testing.T) {
	client := newStubClient()
	e := newExecutor(t, client)
	receipt, err := e.Dispatch(context.Background(), settlementItem("25"))
	require.NoError(t, err)

	tx, err := e.GetTransaction(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, settlement.ChainTxConfirmed, tx.Status)
	require.Equal(t, "USDC", tx.Token)
	require.Equal(t, destination.Hex(), tx.To)
	require.True(t, tx.Amount.Equal(amount.MustFromString("25")))
	require.Equal(t, uint64(1234), tx.BlockNumber)
}

func TestGetTransactionUnknownHashReturnsNil(t *testing.T) {
	e := newExecutor(t, newStubClient())
	tx, err := e.GetTransaction(context.Background(), "0xab00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	require.Nil(t, tx)
}

func TestEstimateGasTiers(t *testing.T) {
	e := newExecutor(t, newStubClient())
	estimate, err := e.EstimateGas(context.Background(), destination.Hex(), amount.MustFromString("25"), "USDC")
	require.NoError(t, err)

	// 60k gas at 2 gwei = 0.00012 native; 3000 USD per native.
	require.True(t, estimate.Low.Native.Equal(amount.MustFromString("0.00012")))
	require.True(t, estimate.Low.USD.Equal(amount.MustFromString("0.36")))
	require.True(t, estimate.Med.GasPrice.Cmp(estimate.Low.GasPrice) > 0)
	require.True(t, estimate.High.GasPrice.Cmp(estimate.Med.GasPrice) > 0)
	require.Equal(t, uint64(60_000), estimate.High.GasLimit)
}

func TestAnchorPublishesRootAsCalldata(t *testing.T) {
	client := newStubClient()
	e := newExecutor(t, client)
	root := "9b71d224bd62f3785d96d46ad3ea3d73319bfbc2890caadae2dff72519673ca7"

	receipt, err := e.Anchor(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "base", receipt.Chain)
	require.Equal(t, root, receipt.Root)
	require.Equal(t, uint64(1234), receipt.Block)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	require.Equal(t, root, common.Bytes2Hex(tx.Data()))
	require.Zero(t, tx.Value().Sign())
}

func TestCreateWalletReturnsHandle(t *testing.T) {
	e := newExecutor(t, newStubClient())
	wallet, err := e.CreateWallet(context.Background())
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(wallet.Address))
	require.NotEmpty(t, wallet.KeyHandle)
}
