package onchain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20 wraps the deposit token.
type ERC20 struct {
	client   *ethclient.Client
	address  common.Address
	contract abi.ABI
}

// NewERC20 binds the token contract at the given address over an existing
// RPC connection.
func NewERC20(client *ethclient.Client, address common.Address) (*ERC20, error) {
	contract, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid erc20 abi: %v", err)
	}
	return &ERC20{client: client, address: address, contract: contract}, nil
}

// BalanceOf reads an account's token balance.
func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Allowance reads the amount spender may pull from owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Approve grants spender an allowance and waits for the transaction to mine.
func (t *ERC20) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount *big.Int) error {
	input, err := t.contract.Pack("approve", spender, amount)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to pack approve: %v", err)
	}
	receipt, err := sendAndWait(ctx, t.client, key, t.address, input)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return cheddr.Errorf(cheddr.ErrCodeRejected, "approve transaction reverted")
	}
	return nil
}

func (t *ERC20) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := t.contract.Pack(method, args...)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "failed to pack %s: %v", method, err)
	}
	raw, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: input}, nil)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "%s call failed: %v", method, err)
	}
	out, err := t.contract.Unpack(method, raw)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to unpack %s result: %v", method, err)
	}
	return out, nil
}

// sendAndWait signs a contract call transaction with the given key, submits
// it, and blocks until it is mined or the context expires.
func sendAndWait(ctx context.Context, client *ethclient.Client, key *ecdsa.PrivateKey, to common.Address, input []byte) (*types.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read chain id: %v", err)
	}
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read nonce: %v", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read gas price: %v", err)
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: input})
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeRejected, "gas estimation failed: %v", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "failed to sign transaction: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to send transaction: %v", err)
	}
	return waitMined(ctx, client, signed.Hash())
}

// waitMined polls for the transaction receipt.
func waitMined(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "transaction %s not mined: %v", txHash.Hex(), ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
