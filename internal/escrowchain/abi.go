package escrowchain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowLedgerABI is the slice of the EscrowLedger contract the client uses.
const escrowLedgerABI = `[
	{"type":"function","name":"lock","stateMutability":"payable","inputs":[{"name":"bookingId","type":"bytes32"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"bookingId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"escrows","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[
		{"name":"payer","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"asset","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"state","type":"uint8"},
		{"name":"createdAt","type":"uint64"}
	]},
	{"type":"event","name":"EscrowLocked","anonymous":false,"inputs":[
		{"indexed":true,"name":"bookingId","type":"bytes32"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":true,"name":"payer","type":"address"},
		{"indexed":false,"name":"asset","type":"address"},
		{"indexed":false,"name":"timestamp","type":"uint256"}
	]},
	{"type":"event","name":"EscrowReleased","anonymous":false,"inputs":[
		{"indexed":true,"name":"bookingId","type":"bytes32"},
		{"indexed":true,"name":"recipient","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}
	]},
	{"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[
		{"indexed":true,"name":"bookingId","type":"bytes32"},
		{"indexed":true,"name":"payer","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}
	]}
]`

var (
	ledgerABIOnce sync.Once
	ledgerABI     abi.ABI
	ledgerABIErr  error
)

// LedgerABI returns the parsed escrow ledger ABI.
func LedgerABI() (abi.ABI, error) {
	ledgerABIOnce.Do(func() {
		ledgerABI, ledgerABIErr = abi.JSON(strings.NewReader(escrowLedgerABI))
	})
	return ledgerABI, ledgerABIErr
}
