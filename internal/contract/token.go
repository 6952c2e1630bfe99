package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Token method names.
const (
	MethodTransfer  = "transfer"
	MethodApprove   = "approve"
	MethodBalanceOf = "balanceOf"
	MethodDecimals  = "decimals"
	MethodAllowance = "allowance"
)

// ERC20ABI is the subset of the ERC20 interface used for farmer funding.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "symbol",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "allowance",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Transfer",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Approval",
		"inputs": [
			{"name": "owner", "type": "address", "indexed": true},
			{"name": "spender", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

// NewToken creates an ERC20 token binding.
func NewToken(address common.Address) *Binding {
	return NewBinding("AccountingToken", address, ERC20ABI)
}

// DecodeDecimals unpacks the decimals return value.
func DecodeDecimals(out []interface{}) (uint8, error) {
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals: expected 1 value, got %d", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", out[0])
	}
	return d, nil
}

// NativeToken returns the zero address representing the chain's native currency.
func NativeToken() common.Address {
	return common.Address{}
}

// IsNativeToken checks if an address represents the native currency.
func IsNativeToken(token common.Address) bool {
	return token == NativeToken()
}
