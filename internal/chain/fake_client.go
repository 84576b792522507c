package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowhub/internal/contracts"
	"escrowhub/internal/escrow"
	"escrowhub/internal/signer"
)

// Gas the emulator reports for every state-changing call.
const fakeGasRequired = 120_000

// FakeClient emulates the escrow contract in memory. Escrow ids start at 1.
// It is used by tests and by the --fake mode of the CLI.
type FakeClient struct {
	abi     abi.ABI
	chainID *big.Int

	mu            sync.Mutex
	nextID        uint64
	escrows       map[uint64]*fakeEscrow
	byUser        map[common.Address][]uint64
	failing       map[uint64]bool
	omitEvents    bool
	failSubmit    error
	dropNext      bool
	revertNext    bool
	offline       bool
	blockInterval time.Duration
	blockGasLimit uint64
	block         uint64
	dispatches    int
	queries       int
	now           func() time.Time
}

type fakeEscrow struct {
	Creator          common.Address  `json:"creator"`
	Counterparty     common.Address  `json:"counterparty"`
	CounterpartyType string          `json:"counterpartyType"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Amount           *big.Int        `json:"amount"`
	Status           uint8           `json:"status"`
	CreatedAt        uint64          `json:"createdAt"`
	Milestones       []fakeMilestone `json:"milestones"`
}

type fakeMilestone struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Amount      *big.Int `json:"amount"`
	Status      uint8    `json:"status"`
	Deadline    uint64   `json:"deadline"`
}

// Contract enum indices.
const (
	fakeActive    uint8 = 0
	fakeCompleted uint8 = 1
	fakeCancelled uint8 = 3
)

type FakeOption func(*FakeClient)

// WithBlockInterval delays each status transition by d.
func WithBlockInterval(d time.Duration) FakeOption {
	return func(f *FakeClient) { f.blockInterval = d }
}

// WithBlockGasLimit rejects submissions whose gas limit exceeds limit.
func WithBlockGasLimit(limit uint64) FakeOption {
	return func(f *FakeClient) {
		if limit > 0 {
			f.blockGasLimit = limit
		}
	}
}

func WithChainID(id int64) FakeOption {
	return func(f *FakeClient) { f.chainID = big.NewInt(id) }
}

func WithClock(now func() time.Time) FakeOption {
	return func(f *FakeClient) { f.now = now }
}

func NewFakeClient(opts ...FakeOption) *FakeClient {
	parsed, err := contracts.ParseEscrowABI()
	if err != nil {
		panic(fmt.Sprintf("escrow abi: %v", err))
	}
	f := &FakeClient{
		abi:     parsed,
		chainID: big.NewInt(1337),
		nextID:  1,
		escrows: make(map[uint64]*fakeEscrow),
		byUser:  make(map[common.Address][]uint64),
		failing: make(map[uint64]bool),
		now:     time.Now,

		blockGasLimit: DefaultBlockGasLimit,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OmitEvents makes successful creations finalize without an EscrowCreated event.
func (f *FakeClient) OmitEvents(omit bool) {
	f.mu.Lock()
	f.omitEvents = omit
	f.mu.Unlock()
}

// FailEscrow makes getEscrow(id) trap.
func (f *FakeClient) FailEscrow(id uint64) {
	f.mu.Lock()
	f.failing[id] = true
	f.mu.Unlock()
}

// FailSubmit makes every dispatch fail with err until called with nil.
func (f *FakeClient) FailSubmit(err error) {
	f.mu.Lock()
	f.failSubmit = err
	f.mu.Unlock()
}

// DropNext makes the next dispatch end in a Dropped status without effect.
func (f *FakeClient) DropNext() {
	f.mu.Lock()
	f.dropNext = true
	f.mu.Unlock()
}

// RevertNext makes the next dispatch finalize with a failed execution.
func (f *FakeClient) RevertNext() {
	f.mu.Lock()
	f.revertNext = true
	f.mu.Unlock()
}

// SetOffline makes Ping fail.
func (f *FakeClient) SetOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

// Dispatches counts Submit calls, including failed ones.
func (f *FakeClient) Dispatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

// Queries counts Query calls.
func (f *FakeClient) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *FakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errors.New("fake chain offline")
	}
	return nil
}

func (f *FakeClient) ChainID() *big.Int { return new(big.Int).Set(f.chainID) }

func (f *FakeClient) Query(ctx context.Context, call Call) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	if f.offline {
		return nil, errors.New("fake chain offline")
	}
	if _, err := f.abi.Pack(call.Method, call.Args...); err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}

	switch call.Method {
	case contracts.MethodCreateEscrow:
		if _, err := f.checkCreate(call); err != nil {
			return &QueryResult{Output: json.RawMessage("null"), Err: err.Error()}, nil
		}
		return f.result(new(big.Int).SetUint64(f.nextID), fakeGasRequired)
	case contracts.MethodCompleteEscrow, contracts.MethodCancelEscrow:
		if _, err := f.checkTransition(call.Caller, call.Args[0].(*big.Int)); err != nil {
			return &QueryResult{Output: json.RawMessage("null"), Err: err.Error()}, nil
		}
		return &QueryResult{Output: json.RawMessage("null"), GasRequired: fakeGasRequired}, nil
	case contracts.MethodGetEscrow:
		id := call.Args[0].(*big.Int)
		if !id.IsUint64() {
			return &QueryResult{Output: json.RawMessage("null")}, nil
		}
		if f.failing[id.Uint64()] {
			return &QueryResult{Output: json.RawMessage("null"), Err: "contract trapped"}, nil
		}
		e, ok := f.escrows[id.Uint64()]
		if !ok {
			return &QueryResult{Output: json.RawMessage("null")}, nil
		}
		return f.result(e, 0)
	case contracts.MethodGetUserEscrows:
		user := call.Args[0].(common.Address)
		ids := make([]*big.Int, 0, len(f.byUser[user]))
		for _, id := range f.byUser[user] {
			ids = append(ids, new(big.Int).SetUint64(id))
		}
		return f.result(ids, 0)
	default:
		return nil, fmt.Errorf("unknown contract method %q", call.Method)
	}
}

func (f *FakeClient) result(v any, gas uint64) (*QueryResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Output: out, GasRequired: gas}, nil
}

func (f *FakeClient) Submit(ctx context.Context, call Call, s signer.Signer) (*Submission, error) {
	if s == nil {
		return nil, errors.New("no signer attached")
	}
	data, err := f.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	if call.Options.GasLimit > f.blockGasLimit {
		return nil, fmt.Errorf("%s tx: exceeds block gas limit (%d > %d)", call.Method, call.Options.GasLimit, f.blockGasLimit)
	}

	f.mu.Lock()
	f.dispatches++
	if f.failSubmit != nil {
		err := f.failSubmit
		f.mu.Unlock()
		return nil, fmt.Errorf("%s tx: %w", call.Method, err)
	}
	nonce := uint64(f.dispatches)
	f.mu.Unlock()

	to := common.Address{}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       call.Options.GasLimit,
		To:        &to,
		Value:     call.Options.Value,
		Data:      data,
	})
	signed, err := s.SignTx(tx, f.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", call.Method, err)
	}

	call.Caller = s.Address()
	statuses := f.execute(call)

	out := make(chan Status, len(statuses)+1)
	ctx, cancel := context.WithCancel(context.Background())
	go f.stream(ctx, out, statuses)
	return NewSubmission(signed.Hash(), out, cancel), nil
}

// execute applies call and returns the statuses to replay after Broadcast.
func (f *FakeClient) execute(call Call) []Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dropNext {
		f.dropNext = false
		return []Status{{Kind: StatusDropped, Description: "transaction dropped from pool"}}
	}

	f.block++
	block := f.block
	hash := common.BigToHash(new(big.Int).SetUint64(block))

	success := !f.revertNext
	f.revertNext = false
	var events []Event
	var reason string
	if success {
		var err error
		events, err = f.apply(call)
		if err != nil {
			success = false
			reason = err.Error()
		}
	} else {
		reason = "execution reverted"
	}
	if f.omitEvents {
		events = nil
	}

	return []Status{
		{Kind: StatusInBlock, BlockHash: hash, BlockNumber: block, Success: success},
		{Kind: StatusFinalized, BlockHash: hash, BlockNumber: block, Success: success, Events: events, Description: reason},
	}
}

func (f *FakeClient) apply(call Call) ([]Event, error) {
	switch call.Method {
	case contracts.MethodCreateEscrow:
		e, err := f.checkCreate(call)
		if err != nil {
			return nil, err
		}
		id := f.nextID
		f.nextID++
		f.escrows[id] = e
		f.byUser[e.Creator] = append(f.byUser[e.Creator], id)
		if e.Counterparty != e.Creator {
			f.byUser[e.Counterparty] = append(f.byUser[e.Counterparty], id)
		}
		return []Event{{Name: contracts.EventEscrowCreated, Fields: map[string]any{
			"id":           new(big.Int).SetUint64(id),
			"creator":      e.Creator,
			"counterparty": e.Counterparty,
			"amount":       new(big.Int).Set(e.Amount),
		}}}, nil
	case contracts.MethodCompleteEscrow, contracts.MethodCancelEscrow:
		id := call.Args[0].(*big.Int)
		e, err := f.checkTransition(call.Caller, id)
		if err != nil {
			return nil, err
		}
		name := contracts.EventEscrowCompleted
		e.Status = fakeCompleted
		if call.Method == contracts.MethodCancelEscrow {
			name = contracts.EventEscrowCancelled
			e.Status = fakeCancelled
		}
		return []Event{{Name: name, Fields: map[string]any{"id": new(big.Int).Set(id)}}}, nil
	default:
		return nil, fmt.Errorf("%s is not a transaction", call.Method)
	}
}

func (f *FakeClient) checkCreate(call Call) (*fakeEscrow, error) {
	value := call.Options.Value
	if value == nil || value.Sign() <= 0 {
		return nil, errors.New("escrow must be funded")
	}
	counterparty := call.Args[0].(common.Address)
	var meta escrow.Metadata
	if raw := call.Args[1].(string); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("invalid metadata: %v", err)
		}
	}

	e := &fakeEscrow{
		Creator:          call.Caller,
		Counterparty:     counterparty,
		CounterpartyType: meta.CounterpartyType,
		Title:            meta.Title,
		Description:      meta.Description,
		Amount:           new(big.Int).Set(value),
		Status:           fakeActive,
		CreatedAt:        uint64(f.now().UnixMilli()),
		Milestones:       []fakeMilestone{},
	}
	sum := new(big.Int)
	for i, ms := range meta.Milestones {
		amount, ok := new(big.Int).SetString(ms.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid milestone %d amount", i)
		}
		sum.Add(sum, amount)
		e.Milestones = append(e.Milestones, fakeMilestone{
			ID:          fmt.Sprintf("%d", i+1),
			Description: ms.Description,
			Amount:      amount,
			Deadline:    uint64(max(ms.Deadline, 0)),
		})
	}
	if sum.Cmp(value) > 0 {
		return nil, errors.New("milestones exceed escrow amount")
	}
	return e, nil
}

func (f *FakeClient) checkTransition(caller common.Address, id *big.Int) (*fakeEscrow, error) {
	if !id.IsUint64() {
		return nil, errors.New("escrow not found")
	}
	e, ok := f.escrows[id.Uint64()]
	if !ok {
		return nil, errors.New("escrow not found")
	}
	if caller != e.Creator && caller != e.Counterparty {
		return nil, errors.New("caller is not a party to the escrow")
	}
	if e.Status != fakeActive {
		return nil, errors.New("escrow is not active")
	}
	return e, nil
}

func (f *FakeClient) stream(ctx context.Context, out chan<- Status, statuses []Status) {
	defer close(out)
	all := append([]Status{{Kind: StatusBroadcast}}, statuses...)
	for i, st := range all {
		if i > 0 && f.blockInterval > 0 {
			select {
			case <-time.After(f.blockInterval):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- st:
		case <-ctx.Done():
			return
		}
	}
}

// EscrowIDs lists every stored id in ascending order.
func (f *FakeClient) EscrowIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, 0, len(f.escrows))
	for id := range f.escrows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
