package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "EscrowOracle/internal/errors"
	"EscrowOracle/internal/escrow"
	"EscrowOracle/internal/web3"
)

// escrowLedgerABI 描述托管合约对外暴露的读写接口与事件。
const escrowLedgerABI = `[
  {"type":"function","name":"escrowOf","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"status","type":"uint8"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint64"},{"name":"disputeWindowHours","type":"uint32"},{"name":"exists","type":"bool"}]},
  {"type":"function","name":"isReleasable","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isRefundable","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"},{"name":"releaseToSeller","type":"bool"}],"outputs":[]},
  {"type":"event","name":"EscrowCreated","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"deadline","type":"uint64","indexed":false},{"name":"disputeWindowHours","type":"uint32","indexed":false}]},
  {"type":"event","name":"EscrowDelivered","inputs":[{"name":"id","type":"bytes32","indexed":true}]},
  {"type":"event","name":"EscrowReleased","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"sellerAmount","type":"uint256","indexed":false},{"name":"feeAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowRefunded","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowDisputed","inputs":[{"name":"id","type":"bytes32","indexed":true},{"name":"disputedBy","type":"address","indexed":true}]}
]`

// 合约内部的状态枚举，与 EscrowState.Status 一一对应。
const (
	chainStateNone uint8 = iota
	chainStateFunded
	chainStateDelivered
	chainStateReleased
	chainStateRefunded
	chainStateDisputed
)

const defaultConfirmTimeout = 90 * time.Second

// Config describes how to construct an EVM escrow ledger client.
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	ContractAddress string
	SignerKeyHex    string
	ConfirmTimeout  time.Duration
	Notes           string
}

// Client implements web3.LedgerClient against an EVM escrow contract.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	contract       *bind.BoundContract
	contractAddr   common.Address
	parsedABI      abi.ABI
	signerKey      *ecdsa.PrivateKey
	signerAddr     common.Address
	chainID        *big.Int
	confirmTimeout time.Duration

	// 写锁。单签名账户顺序出块，避免 nonce 冲突。
	writeMu sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the escrow contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	contractAddr := strings.TrimSpace(cfg.ContractAddress)
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("托管合约地址不合法: %q", cfg.ContractAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	signerKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析结算签名私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsedABI, err := abi.JSON(strings.NewReader(escrowLedgerABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	address := common.HexToAddress(contractAddr)
	return &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		eth:            eth,
		contract:       bind.NewBoundContract(address, parsedABI, eth, eth, eth),
		contractAddr:   address,
		parsedABI:      parsedABI,
		signerKey:      signerKey,
		signerAddr:     crypto.PubkeyToAddress(signerKey.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: confirmTimeout,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// EscrowOf 读取托管单的链上权威状态。
func (c *Client) EscrowOf(ctx context.Context, id escrow.EscrowID) (web3.EscrowState, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "escrowOf", id.Hash()); err != nil {
		return web3.EscrowState{}, xerrors.Wrap(xerrors.CodeChainTransient, err, "查询托管单链上状态失败")
	}
	if len(out) != 7 {
		return web3.EscrowState{}, xerrors.New(xerrors.CodeChainTransient, "escrowOf 返回值数量不符")
	}

	state := web3.EscrowState{ID: id}
	rawStatus, _ := out[0].(uint8)
	state.Status = statusFromChain(rawStatus)
	state.Buyer, _ = out[1].(common.Address)
	state.Seller, _ = out[2].(common.Address)
	state.Amount, _ = out[3].(*big.Int)
	if deadline, ok := out[4].(uint64); ok && deadline > 0 {
		state.Deadline = time.Unix(int64(deadline), 0)
	}
	if window, ok := out[5].(uint32); ok {
		state.DisputeWindowHours = int(window)
	}
	state.Exists, _ = out[6].(bool)
	return state, nil
}

// IsReleasable 判断合约当前是否允许放款。
func (c *Client) IsReleasable(ctx context.Context, id escrow.EscrowID) (bool, error) {
	return c.callBool(ctx, "isReleasable", id)
}

// IsRefundable 判断合约当前是否允许退款。
func (c *Client) IsRefundable(ctx context.Context, id escrow.EscrowID) (bool, error) {
	return c.callBool(ctx, "isRefundable", id)
}

func (c *Client) callBool(ctx context.Context, method string, id escrow.EscrowID) (bool, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, id.Hash()); err != nil {
		return false, xerrors.Wrap(xerrors.CodeChainTransient, err, fmt.Sprintf("调用 %s 失败", method))
	}
	if len(out) != 1 {
		return false, xerrors.New(xerrors.CodeChainTransient, fmt.Sprintf("%s 返回值数量不符", method))
	}
	value, _ := out[0].(bool)
	return value, nil
}

// Release 发起放款交易并等待确认。
func (c *Client) Release(ctx context.Context, id escrow.EscrowID) (web3.SettleReceipt, error) {
	return c.transact(ctx, "release", id.Hash())
}

// Refund 发起退款交易并等待确认。
func (c *Client) Refund(ctx context.Context, id escrow.EscrowID) (web3.SettleReceipt, error) {
	return c.transact(ctx, "refund", id.Hash())
}

// ResolveDispute 裁决争议单。
func (c *Client) ResolveDispute(ctx context.Context, id escrow.EscrowID, releaseToSeller bool) (web3.SettleReceipt, error) {
	return c.transact(ctx, "resolveDispute", id.Hash(), releaseToSeller)
}

func (c *Client) transact(ctx context.Context, method string, args ...any) (web3.SettleReceipt, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.signerKey, c.chainID)
	if err != nil {
		return web3.SettleReceipt{}, xerrors.Wrap(xerrors.CodeChainTransient, err, "构造交易签名器失败")
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return web3.SettleReceipt{}, c.mapContractError(method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return web3.SettleReceipt{}, xerrors.Wrap(xerrors.CodeChainTransient, err, fmt.Sprintf("等待 %s 交易确认超时", method))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		// 交易已打包但执行回退。此时拿不到 revert 原因，交由上层重新读链判定。
		return web3.SettleReceipt{}, xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
			fmt.Sprintf("%s 交易 %s 被合约回退", method, tx.Hash().Hex()))
	}
	return web3.SettleReceipt{
		TxHash:      tx.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// mapContractError 将节点返回的 revert 原因换算为已注册的错误码。
// 无法识别的错误一律按瞬态处理，交给上层重试。
func (c *Client) mapContractError(method string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already settled"):
		return web3.ErrAlreadySettled
	case strings.Contains(msg, "invalid state"), strings.Contains(msg, "not disputed"),
		strings.Contains(msg, "window still open"), strings.Contains(msg, "deadline not reached"):
		return xerrors.Wrap(web3.CodeConflictingState, web3.ErrConflictingState,
			fmt.Sprintf("%s 被合约拒绝: %v", method, err))
	default:
		return xerrors.Wrap(xerrors.CodeChainTransient, err, fmt.Sprintf("发送 %s 交易失败", method))
	}
}

// FilterEvents 拉取区块范围内的托管事件。
func (c *Client) FilterEvents(ctx context.Context, from, to uint64) ([]web3.Event, error) {
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contractAddr},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainTransient, err, "拉取托管事件失败")
	}

	events := make([]web3.Event, 0, len(logs))
	for _, entry := range logs {
		event, ok, err := c.decodeLog(entry)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, event)
		}
	}
	return events, nil
}

// decodeLog 解码单条合约日志。非托管事件返回 ok=false 跳过。
func (c *Client) decodeLog(entry coretypes.Log) (web3.Event, bool, error) {
	if len(entry.Topics) == 0 {
		return web3.Event{}, false, nil
	}
	abiEvent, err := c.parsedABI.EventByID(entry.Topics[0])
	if err != nil {
		return web3.Event{}, false, nil
	}

	event := web3.Event{
		Kind:        web3.EventKind(abiEvent.Name),
		BlockNumber: entry.BlockNumber,
		TxHash:      entry.TxHash,
	}
	if len(entry.Topics) < 2 {
		return web3.Event{}, false, nil
	}
	event.EscrowID = escrow.EscrowID(entry.Topics[1])

	switch web3.EventKind(abiEvent.Name) {
	case web3.EventCreated:
		if len(entry.Topics) < 4 {
			return web3.Event{}, false, nil
		}
		event.Buyer = common.BytesToAddress(entry.Topics[2].Bytes())
		event.Seller = common.BytesToAddress(entry.Topics[3].Bytes())

		values, err := abiEvent.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil {
			return web3.Event{}, false, xerrors.Wrap(xerrors.CodeChainTransient, err, "解码 EscrowCreated 事件失败")
		}
		if len(values) == 3 {
			event.Amount, _ = values[0].(*big.Int)
			if deadline, ok := values[1].(uint64); ok && deadline > 0 {
				event.Deadline = time.Unix(int64(deadline), 0)
			}
			if window, ok := values[2].(uint32); ok {
				event.DisputeWindowHours = int(window)
			}
		}
	case web3.EventReleased:
		values, err := abiEvent.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil {
			return web3.Event{}, false, xerrors.Wrap(xerrors.CodeChainTransient, err, "解码 EscrowReleased 事件失败")
		}
		if len(values) == 2 {
			event.SellerAmount, _ = values[0].(*big.Int)
			event.FeeAmount, _ = values[1].(*big.Int)
		}
	case web3.EventRefunded:
		values, err := abiEvent.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil {
			return web3.Event{}, false, xerrors.Wrap(xerrors.CodeChainTransient, err, "解码 EscrowRefunded 事件失败")
		}
		if len(values) == 1 {
			event.Amount, _ = values[0].(*big.Int)
		}
	case web3.EventDisputed:
		if len(entry.Topics) >= 3 {
			event.DisputedBy = common.BytesToAddress(entry.Topics[2].Bytes())
		}
	case web3.EventDelivered:
	default:
		return web3.Event{}, false, nil
	}
	return event, true, nil
}

// HeadBlock 返回当前链头高度。
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainTransient, err, "获取最新区块高度失败")
	}
	return head, nil
}

// SignerAddress 返回结算签名账户地址。
func (c *Client) SignerAddress() common.Address {
	return c.signerAddr
}

// SignerBalance 返回签名账户余额。
func (c *Client) SignerBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, c.signerAddr, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainTransient, err, "查询签名账户余额失败")
	}
	return balance, nil
}

func statusFromChain(raw uint8) escrow.Status {
	switch raw {
	case chainStateFunded:
		return escrow.StatusFunded
	case chainStateDelivered:
		return escrow.StatusDelivered
	case chainStateReleased:
		return escrow.StatusReleased
	case chainStateRefunded:
		return escrow.StatusRefunded
	case chainStateDisputed:
		return escrow.StatusDisputed
	default:
		return ""
	}
}

var _ web3.LedgerClient = (*Client)(nil)
