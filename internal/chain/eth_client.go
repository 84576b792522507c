package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/contracts"
	"escrowhub/internal/signer"
)

const defaultDropAfterBlocks = 8

// EthClient talks to the escrow contract over an Ethereum JSON-RPC websocket.
type EthClient struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	log      logrus.FieldLogger

	finalityDepth   uint64
	dropAfterBlocks int
}

type EthClientConfig struct {
	RPCURL          string
	ContractAddress string
	// FinalityDepth is used when the node does not serve the "finalized"
	// block tag: a block is final once it is this many blocks deep.
	FinalityDepth uint64
	// DropAfterBlocks is how many heads a transaction may be unknown to the
	// node before it is reported dropped.
	DropAfterBlocks int
}

func NewEthClient(ctx context.Context, cfg EthClientConfig, log logrus.FieldLogger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := contracts.ParseEscrowABI()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	dropAfter := cfg.DropAfterBlocks
	if dropAfter <= 0 {
		dropAfter = defaultDropAfterBlocks
	}

	return &EthClient{
		client:          cli,
		contract:        bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:             parsedABI,
		address:         address,
		chainID:         chainID,
		log:             log.WithField("component", "eth-client"),
		finalityDepth:   cfg.FinalityDepth,
		dropAfterBlocks: dropAfter,
	}, nil
}

func (c *EthClient) Query(ctx context.Context, call Call) (*QueryResult, error) {
	method, ok := c.abi.Methods[call.Method]
	if !ok {
		return nil, fmt.Errorf("unknown contract method %q", call.Method)
	}
	data, err := c.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}

	msg := ethereum.CallMsg{
		From:  call.Caller,
		To:    &c.address,
		Gas:   call.Options.GasLimit,
		Value: call.Options.Value,
		Data:  data,
	}
	out, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return &QueryResult{Output: json.RawMessage("null"), Err: revertReason(err)}, nil
		}
		return nil, fmt.Errorf("call %s: %w", call.Method, err)
	}

	res := &QueryResult{Output: json.RawMessage("null")}
	if !method.IsConstant() {
		msg.Gas = 0
		if gas, err := c.client.EstimateGas(ctx, msg); err == nil {
			res.GasRequired = gas
		}
	}

	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", call.Method, err)
	}
	var payload any
	switch len(values) {
	case 0:
		return res, nil
	case 1:
		payload = values[0]
	default:
		payload = values
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", call.Method, err)
	}
	res.Output = encoded
	return res, nil
}

func (c *EthClient) Submit(ctx context.Context, call Call, s signer.Signer) (*Submission, error) {
	if s == nil {
		return nil, fmt.Errorf("no signer attached")
	}
	from := s.Address()
	opts := &bind.TransactOpts{
		From: from,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			return s.SignTx(tx, c.chainID)
		},
		Value:    call.Options.Value,
		GasLimit: call.Options.GasLimit,
		Context:  ctx,
	}

	// Subscribe before sending so the including head cannot be missed.
	watchCtx, cancel := context.WithCancel(context.Background())
	heads := make(chan *types.Header, 16)
	sub, err := c.client.SubscribeNewHead(watchCtx, heads)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe heads: %w", err)
	}

	tx, err := c.contract.Transact(opts, call.Method, call.Args...)
	if err != nil {
		sub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("%s tx: %w", call.Method, err)
	}

	out := make(chan Status, 4)
	w := &txWatcher{
		c:    c,
		hash: tx.Hash(),
		out:  out,
		log:  c.log.WithFields(logrus.Fields{"tx": tx.Hash().Hex(), "method": call.Method}),
	}
	go w.run(watchCtx, heads, sub)

	return NewSubmission(tx.Hash(), out, cancel), nil
}

// Ping reports whether the node answers.
func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// decodeEvents extracts this contract's events from receipt logs. Logs that
// do not match the ABI are skipped.
func (c *EthClient) decodeEvents(logs []*types.Log) []Event {
	var events []Event
	for _, lg := range logs {
		if lg == nil || lg.Address != c.address || len(lg.Topics) == 0 {
			continue
		}
		ev, err := c.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		fields := make(map[string]any)
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			c.log.WithError(err).WithField("event", ev.Name).Debug("skip undecodable topics")
			continue
		}
		if len(lg.Data) > 0 {
			if err := c.abi.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
				c.log.WithError(err).WithField("event", ev.Name).Debug("skip undecodable data")
				continue
			}
		}
		events = append(events, Event{Name: ev.Name, Fields: fields})
	}
	return events
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason
			}
		}
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

type txWatcher struct {
	c    *EthClient
	hash common.Hash
	out  chan<- Status
	log  logrus.FieldLogger

	included *types.Receipt
	misses   int
}

func (w *txWatcher) run(ctx context.Context, heads <-chan *types.Header, sub ethereum.Subscription) {
	defer close(w.out)
	defer sub.Unsubscribe()

	if !w.emit(ctx, Status{Kind: StatusBroadcast}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if ok && err != nil {
				w.emit(ctx, Status{Kind: StatusDropped, Description: "head subscription failed: " + err.Error()})
			}
			return
		case head := <-heads:
			if w.onHead(ctx, head) {
				return
			}
		}
	}
}

func (w *txWatcher) emit(ctx context.Context, s Status) bool {
	select {
	case w.out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// onHead advances the status for a new chain head and reports whether a
// terminal status was emitted.
func (w *txWatcher) onHead(ctx context.Context, head *types.Header) bool {
	cli := w.c.client
	receipt, err := cli.TransactionReceipt(ctx, w.hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		w.log.WithError(err).Debug("receipt lookup failed")
		return false
	}

	if receipt == nil {
		if w.included != nil {
			w.included = nil
			w.emit(ctx, Status{Kind: StatusRetracted, Description: "including block retracted"})
			return false
		}
		if _, _, err := cli.TransactionByHash(ctx, w.hash); errors.Is(err, ethereum.NotFound) {
			w.misses++
			if w.misses >= w.c.dropAfterBlocks {
				w.emit(ctx, Status{Kind: StatusDropped, Description: "transaction no longer known to the node"})
				return true
			}
		} else {
			w.misses = 0
		}
		return false
	}

	success := receipt.Status == types.ReceiptStatusSuccessful
	if w.included == nil || w.included.BlockHash != receipt.BlockHash {
		w.included = receipt
		if !w.emit(ctx, Status{
			Kind:        StatusInBlock,
			BlockHash:   receipt.BlockHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			Success:     success,
		}) {
			return true
		}
	}

	final, err := w.finalizedNumber(ctx, head)
	if err != nil {
		w.log.WithError(err).Debug("finalized head lookup failed")
		return false
	}
	if final.Cmp(receipt.BlockNumber) < 0 {
		return false
	}

	canonical, err := cli.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return false
	}
	if canonical.Hash() != receipt.BlockHash {
		w.included = nil
		w.emit(ctx, Status{Kind: StatusRetracted, Description: "including block not canonical"})
		return false
	}

	st := Status{
		Kind:        StatusFinalized,
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     success,
		Events:      w.c.decodeEvents(receipt.Logs),
	}
	if !success {
		st.Description = "execution reverted"
	}
	w.emit(ctx, st)
	return true
}

func (w *txWatcher) finalizedNumber(ctx context.Context, head *types.Header) (*big.Int, error) {
	final, err := w.c.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err == nil && final != nil {
		return final.Number, nil
	}
	if w.c.finalityDepth == 0 || head == nil {
		if err == nil {
			err = fmt.Errorf("node returned no finalized header")
		}
		return nil, err
	}
	n := new(big.Int).Sub(head.Number, new(big.Int).SetUint64(w.c.finalityDepth))
	if n.Sign() < 0 {
		n.SetInt64(0)
	}
	return n, nil
}
