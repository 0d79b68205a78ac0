// Package onchain reads and writes the channel manager and token contracts.
// The sequencer uses it to discover channels opened on-chain; the payer uses
// it to open channels and fund deposits.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

const channelManagerABI = `[
	{"name":"getChannelId","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"expiryTime","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"channels","type":"function","stateMutability":"view","inputs":[{"name":"channelId","type":"bytes32"}],"outputs":[{"name":"owner","type":"address"},{"name":"balance","type":"uint256"},{"name":"expiryTime","type":"uint256"},{"name":"sequenceNumber","type":"uint256"}]},
	{"name":"getUserChannelLength","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"userChannels","type":"function","stateMutability":"view","inputs":[{"name":"","type":"address"},{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
	{"name":"openChannel","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"expiryTime","type":"uint256"},{"name":"signatureTimestamp","type":"uint256"},{"name":"userSignature","type":"bytes"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

// ChannelInfo is one channel's on-chain record.
type ChannelInfo struct {
	Owner          common.Address
	Balance        *big.Int
	ExpiryTime     *big.Int
	SequenceNumber *big.Int
}

// ChannelManager wraps the channel manager contract.
type ChannelManager struct {
	client   *ethclient.Client
	address  common.Address
	contract abi.ABI
}

// NewChannelManager dials an RPC endpoint and binds the channel manager at
// the given address.
func NewChannelManager(rpcURL string, address common.Address) (*ChannelManager, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to dial rpc: %v", err)
	}
	contract, err := abi.JSON(strings.NewReader(channelManagerABI))
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid channel manager abi: %v", err)
	}
	return &ChannelManager{client: client, address: address, contract: contract}, nil
}

// Client exposes the underlying RPC connection for sibling contract bindings.
func (m *ChannelManager) Client() *ethclient.Client {
	return m.client
}

// Channels reads one channel's on-chain record.
func (m *ChannelManager) Channels(ctx context.Context, channelID common.Hash) (*ChannelInfo, error) {
	out, err := m.call(ctx, "channels", channelID)
	if err != nil {
		return nil, err
	}
	return &ChannelInfo{
		Owner:          out[0].(common.Address),
		Balance:        out[1].(*big.Int),
		ExpiryTime:     out[2].(*big.Int),
		SequenceNumber: out[3].(*big.Int),
	}, nil
}

// GetChannelID computes the deterministic channel id for an owner, expiry,
// and opening amount.
func (m *ChannelManager) GetChannelID(ctx context.Context, owner common.Address, expiryTime, amount *big.Int) (common.Hash, error) {
	out, err := m.call(ctx, "getChannelId", owner, expiryTime, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(out[0].([32]byte)), nil
}

// ListUserChannels walks the owner's on-chain channel index and returns every
// channel id, oldest first.
func (m *ChannelManager) ListUserChannels(ctx context.Context, owner common.Address) ([]common.Hash, error) {
	out, err := m.call(ctx, "getUserChannelLength", owner)
	if err != nil {
		return nil, err
	}
	length := out[0].(*big.Int)

	ids := make([]common.Hash, 0, length.Int64())
	for i := int64(0); i < length.Int64(); i++ {
		entry, err := m.call(ctx, "userChannels", owner, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		ids = append(ids, common.Hash(entry[0].([32]byte)))
	}
	return ids, nil
}

// OpenChannel sends an openChannel transaction carrying the owner's signature
// over the opening state and waits for it to mine.
func (m *ChannelManager) OpenChannel(ctx context.Context, key *ecdsa.PrivateKey, amount, expiryTime *big.Int, signatureTimestamp uint64, userSignature string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(userSignature, "0x"))
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "invalid signature encoding: %v", err)
	}
	input, err := m.contract.Pack("openChannel", amount, expiryTime,
		new(big.Int).SetUint64(signatureTimestamp), sig)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to pack openChannel: %v", err)
	}
	receipt, err := sendAndWait(ctx, m.client, key, m.address, input)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return cheddr.Errorf(cheddr.ErrCodeRejected, "openChannel transaction reverted")
	}
	return nil
}

func (m *ChannelManager) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := m.contract.Pack(method, args...)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "failed to pack %s: %v", method, err)
	}
	raw, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &m.address, Data: input}, nil)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "%s call failed: %v", method, err)
	}
	out, err := m.contract.Unpack(method, raw)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to unpack %s result: %v", method, err)
	}
	return out, nil
}
