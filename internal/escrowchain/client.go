// Package escrowchain submits and reads escrow settlements on the EscrowLedger
// contract.
//
// Every operation is synchronous: it returns once the receipt is in (or the
// receipt timeout elapses). The client never retries; callers decide.
package escrowchain

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
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/config"
	"github.com/hillside/hillside-escrow/internal/traces"
)

// Operation names a client call. Used in errors, logs and metrics.
type Operation string

const (
	OpLock    Operation = "lock"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
	OpRead    Operation = "read"
)

// Gas limits are fixed per call; the ledger's cost does not vary with input.
const (
	LockGasLimit   = uint64(280000)
	SettleGasLimit = uint64(220000)

	// DefaultPollInterval between receipt checks
	DefaultPollInterval = 2 * time.Second
)

type opSpec struct {
	method   string
	event    string
	gasLimit uint64
}

var opSpecs = map[Operation]opSpec{
	OpLock:    {method: "lock", event: "EscrowLocked", gasLimit: LockGasLimit},
	OpRelease: {method: "release", event: "EscrowReleased", gasLimit: SettleGasLimit},
	OpRefund:  {method: "refund", event: "EscrowRefunded", gasLimit: SettleGasLimit},
}

// OnchainState is the contract-side escrow state.
type OnchainState string

const (
	StateNone     OnchainState = "none"
	StateLocked   OnchainState = "locked"
	StateReleased OnchainState = "released"
	StateRefunded OnchainState = "refunded"
)

// stateFromCode maps the contract's enum. Unknown codes are treated as none.
func stateFromCode(code uint64) OnchainState {
	switch code {
	case 1:
		return StateLocked
	case 2:
		return StateReleased
	case 3:
		return StateRefunded
	default:
		return StateNone
	}
}

// Result is what a confirmed settlement transaction produced.
type Result struct {
	TxHash           string `json:"txHash"`
	OnchainBookingID string `json:"onchainBookingId"`
	EventIndex       int    `json:"eventIndex"`
}

// OnchainRecord is a read-back of the contract's escrow entry.
type OnchainRecord struct {
	BookingID string       `json:"bookingId"`
	State     OnchainState `json:"state"`
	AmountWei *big.Int     `json:"amountWei"`
}

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens an RPC connection for a network.
type Dialer func(ctx context.Context, rpcURL string) (EthClient, error)

func dialEth(ctx context.Context, rpcURL string) (EthClient, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option configures the client
type Option func(*Client)

// WithDialer replaces the RPC dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// WithClient routes every network through one Ethereum client (useful for testing)
func WithClient(ec EthClient) Option {
	return func(c *Client) {
		c.dial = func(context.Context, string) (EthClient, error) { return ec, nil }
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client settles and reads escrows on any configured network.
type Client struct {
	dial           Dialer
	abi            abi.ABI
	lockAmount     *big.Int
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	conns map[string]*sharedConn // by RPC URL
}

// sharedConn is an RPC connection used by concurrent calls. An evicted
// connection is closed by whoever releases the last reference.
type sharedConn struct {
	EthClient
	refs    int
	evicted bool
}

// New creates a client. Connections are opened lazily per network.
func New(cfg config.EscrowConfig, opts ...Option) (*Client, error) {
	parsed, err := LedgerABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ledger ABI: %w", err)
	}

	lockAmount := big.NewInt(0)
	if cfg.LockAmountWei != nil {
		lockAmount = new(big.Int).Set(cfg.LockAmountWei)
	}

	c := &Client{
		dial:           dialEth,
		abi:            parsed,
		lockAmount:     lockAmount,
		receiptTimeout: time.Duration(cfg.ReceiptTimeoutSec) * time.Second,
		pollInterval:   DefaultPollInterval,
		logger:         slog.Default(),
		conns:          make(map[string]*sharedConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = time.Duration(config.DefaultReceiptTimeoutSec) * time.Second
	}
	return c, nil
}

// Close drops every cached RPC connection. Connections still held by an
// in-flight call close when that call returns.
func (c *Client) Close() {
	c.mu.Lock()
	var idle []*sharedConn
	for url, conn := range c.conns {
		delete(c.conns, url)
		conn.evicted = true
		if conn.refs == 0 {
			idle = append(idle, conn)
		}
	}
	c.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
}

// BookingID derives the contract-side booking id from a reservation id.
func BookingID(reservationID string) [32]byte {
	return crypto.Keccak256Hash([]byte(reservationID))
}

// resolveBookingID prefers a previously recorded 0x id and otherwise hashes
// the reservation id. A recorded id that is not 32 bytes of hex is ignored.
func resolveBookingID(reservationID, recorded string) ([32]byte, string) {
	if strings.HasPrefix(recorded, "0x") {
		if raw, err := hexutil.Decode(recorded); err == nil && len(raw) == 32 {
			var id [32]byte
			copy(id[:], raw)
			return id, strings.ToLower(recorded)
		}
	}
	id := BookingID(reservationID)
	return id, hexutil.Encode(id[:])
}

// Lock escrows the configured lock amount for a reservation. The signer is
// both payer and recipient.
func (c *Client) Lock(ctx context.Context, chain chains.Config, reservationID string) (*Result, error) {
	return c.transact(ctx, OpLock, chain, reservationID, "")
}

// Release pays the escrow out to the recipient.
func (c *Client) Release(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*Result, error) {
	return c.transact(ctx, OpRelease, chain, reservationID, onchainBookingID)
}

// Refund returns the escrow to the payer.
func (c *Client) Refund(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (*Result, error) {
	return c.transact(ctx, OpRefund, chain, reservationID, onchainBookingID)
}

func (c *Client) transact(ctx context.Context, op Operation, chain chains.Config, reservationID, recordedID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "escrowchain."+string(op),
		traces.EscrowOp(string(op)), traces.ChainKey(chain.Key), traces.ReservationID(reservationID))
	start := time.Now()
	defer func() {
		observe(op, chain.Key, start, err)
		traces.Finish(span, err)
	}()

	spec := opSpecs[op]
	if err := checkConfigured(op, chain, true); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(chain.SignerKey, "0x"))
	if err != nil {
		return nil, opError(string(op), chain.Key, "", ErrNotConfigured, "invalid signer private key")
	}

	client, chainID, release, err := c.connect(ctx, op, chain)
	if err != nil {
		return nil, err
	}
	defer release()

	bookingID, bookingHex := resolveBookingID(reservationID, recordedID)
	from := crypto.PubkeyToAddress(key.PublicKey)
	contract := common.HexToAddress(chain.EscrowContract)

	value := big.NewInt(0)
	args := []any{bookingID}
	if op == OpLock {
		value = new(big.Int).Set(c.lockAmount)
		args = append(args, from)
	}
	data, err := c.abi.Pack(spec.method, args...)
	if err != nil {
		return nil, opError(string(op), chain.Key, "", ErrCall, "pack %s: %v", spec.method, err)
	}

	signed, err := c.buildAndSign(ctx, client, key, from, chainID, contract, value, spec.gasLimit, data)
	if err != nil {
		return nil, &Error{Op: string(op), Chain: chain.Key, Err: err}
	}
	txHash := signed.Hash().Hex()
	span.SetAttributes(traces.TxHash(txHash))

	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, opError(string(op), chain.Key, txHash, ErrCall, "send transaction: %v", err)
	}

	receipt, err := c.waitReceipt(ctx, client, signed.Hash())
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, opError(string(op), chain.Key, txHash, ErrReceiptTimeout, "no receipt within %s", c.receiptTimeout)
	}
	if err != nil {
		return nil, opError(string(op), chain.Key, txHash, ErrRPCUnreachable, "receipt wait aborted: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.logger.Error("escrow transaction reverted",
			"op", op, "chain", chain.Key, "reservation_id", reservationID, "tx_hash", txHash)
		return nil, opError(string(op), chain.Key, txHash, ErrReverted, "")
	}

	return &Result{
		TxHash:           txHash,
		OnchainBookingID: bookingHex,
		EventIndex:       c.eventIndex(spec.event, contract, bookingID, receipt),
	}, nil
}

// buildAndSign fetches a fresh nonce and fee parameters right before building
// the EIP-1559 transaction.
func (c *Client) buildAndSign(
	ctx context.Context,
	client EthClient,
	key *ecdsa.PrivateKey,
	from common.Address,
	chainID *big.Int,
	to common.Address,
	value *big.Int,
	gasLimit uint64,
	data []byte,
) (*types.Transaction, error) {
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch pending nonce: %v", ErrRPCUnreachable, err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch priority fee: %v", ErrRPCUnreachable, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch gas price: %v", ErrRPCUnreachable, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(gasPrice, tip),
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign transaction: %v", ErrCall, err)
	}
	return signed, nil
}

// waitReceipt polls until the receipt is available. The wait is bounded by
// the receipt timeout only; caller cancellation does not abandon a submitted
// transaction.
func (c *Client) waitReceipt(ctx context.Context, client EthClient, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		// A closed client never answers again; anything else is retried.
		if errors.Is(err, rpc.ErrClientQuit) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// eventIndex returns the log index of the operation's event. Any decode
// problem yields 0: the transaction already succeeded.
func (c *Client) eventIndex(name string, contract common.Address, bookingID [32]byte, receipt *types.Receipt) (idx int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("escrow event decode panicked", "event", name, "panic", r)
			idx = 0
		}
	}()

	ev, ok := c.abi.Events[name]
	if !ok {
		return 0
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if len(lg.Topics) > 1 && lg.Topics[1] != common.Hash(bookingID) {
			continue
		}
		if err := c.abi.UnpackIntoMap(map[string]any{}, name, lg.Data); err != nil {
			c.logger.Warn("escrow event decode failed",
				"event", name, "tx_hash", receipt.TxHash.Hex(), "error", err)
			return 0
		}
		return int(lg.Index)
	}
	return 0
}

// Read fetches the contract's escrow entry for a reservation. It needs the RPC
// URL and contract address but no signer.
func (c *Client) Read(ctx context.Context, chain chains.Config, reservationID, onchainBookingID string) (rec *OnchainRecord, err error) {
	ctx, span := traces.StartSpan(ctx, "escrowchain.read",
		traces.ChainKey(chain.Key), traces.ReservationID(reservationID))
	start := time.Now()
	defer func() {
		observe(OpRead, chain.Key, start, err)
		traces.Finish(span, err)
	}()

	if err := checkConfigured(OpRead, chain, false); err != nil {
		return nil, err
	}
	client, _, release, err := c.connect(ctx, OpRead, chain)
	if err != nil {
		return nil, err
	}
	defer release()

	bookingID, bookingHex := resolveBookingID(reservationID, onchainBookingID)
	contract := common.HexToAddress(chain.EscrowContract)

	data, err := c.abi.Pack("escrows", bookingID)
	if err != nil {
		return nil, opError(string(OpRead), chain.Key, "", ErrCall, "pack escrows: %v", err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, opError(string(OpRead), chain.Key, "", ErrCall, "call escrows: %v", err)
	}
	row, err := c.abi.Unpack("escrows", out)
	if err != nil {
		return nil, opError(string(OpRead), chain.Key, "", ErrCall, "decode escrows: %v", err)
	}
	return decodeRecord(bookingHex, row), nil
}

// decodeRecord maps the escrows() tuple. Element 3 is the amount and element 4
// the state code; missing or mistyped elements keep their zero value.
func decodeRecord(bookingHex string, row []any) *OnchainRecord {
	rec := &OnchainRecord{BookingID: bookingHex, State: StateNone, AmountWei: new(big.Int)}
	if len(row) > 3 {
		if amount, ok := row[3].(*big.Int); ok && amount != nil {
			rec.AmountWei = new(big.Int).Set(amount)
		}
	}
	if len(row) > 4 {
		rec.State = stateFromCode(stateCode(row[4]))
	}
	return rec
}

func stateCode(v any) uint64 {
	switch n := v.(type) {
	case uint8:
		return uint64(n)
	case uint64:
		return n
	case *big.Int:
		if n != nil && n.IsUint64() {
			return n.Uint64()
		}
	}
	return 0
}

func checkConfigured(op Operation, chain chains.Config, needSigner bool) error {
	switch {
	case chain.RPCURL == "":
		return opError(string(op), chain.Key, "", ErrNotConfigured, "RPC URL is not configured")
	case chain.EscrowContract == "":
		return opError(string(op), chain.Key, "", ErrNotConfigured, "escrow contract address is not configured")
	case !common.IsHexAddress(chain.EscrowContract):
		return opError(string(op), chain.Key, "", ErrNotConfigured, "escrow contract address %q is invalid", chain.EscrowContract)
	case needSigner && chain.SignerKey == "":
		return opError(string(op), chain.Key, "", ErrNotConfigured, "signer private key is not configured")
	}
	return nil
}

// connect returns a live connection for the network, probing it first. The
// probe also checks the node serves the configured chain id.
func (c *Client) connect(ctx context.Context, op Operation, chain chains.Config) (EthClient, *big.Int, func(), error) {
	conn, err := c.acquire(ctx, chain.RPCURL)
	if err != nil {
		return nil, nil, nil, opError(string(op), chain.Key, "", ErrRPCUnreachable, "unable to connect to %s RPC", chain.Key)
	}
	release := func() { c.release(conn) }

	remoteID, err := conn.ChainID(ctx)
	if err != nil {
		// Later calls redial; calls already holding conn keep it until they return.
		c.evict(chain.RPCURL, conn)
		release()
		return nil, nil, nil, opError(string(op), chain.Key, "", ErrRPCUnreachable, "unable to connect to %s RPC", chain.Key)
	}
	if chain.ChainID == 0 {
		return conn, remoteID, release, nil
	}
	if remoteID.Cmp(big.NewInt(chain.ChainID)) != 0 {
		release()
		return nil, nil, nil, opError(string(op), chain.Key, "", ErrNotConfigured,
			"RPC serves chain id %s, expected %d", remoteID, chain.ChainID)
	}
	return conn, big.NewInt(chain.ChainID), release, nil
}

// acquire returns the cached connection for rpcURL, dialing one if needed,
// with a reference taken.
func (c *Client) acquire(ctx context.Context, rpcURL string) (*sharedConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[rpcURL]; ok {
		conn.refs++
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialed, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.conns[rpcURL]; ok {
		existing.refs++
		c.mu.Unlock()
		if existing.EthClient != dialed {
			dialed.Close()
		}
		return existing, nil
	}
	conn := &sharedConn{EthClient: dialed, refs: 1}
	c.conns[rpcURL] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) release(conn *sharedConn) {
	c.mu.Lock()
	conn.refs--
	closeNow := conn.evicted && conn.refs == 0
	c.mu.Unlock()

	if closeNow {
		conn.Close()
	}
}

func (c *Client) evict(rpcURL string, conn *sharedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[rpcURL] == conn {
		delete(c.conns, rpcURL)
		conn.evicted = true
	}
}
