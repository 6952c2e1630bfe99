package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Instance method names.
const (
	MethodClaims         = "claims"
	MethodPayouts        = "payouts"
	MethodGetApplication = "getApplication"
)

// InstanceABI is the read interface of the instance used for claim bookkeeping.
const InstanceABI = `[
	{
		"type": "function",
		"name": "claims",
		"inputs": [{"name": "policyNftId", "type": "uint96"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getApplication",
		"inputs": [{"name": "policyNftId", "type": "uint96"}],
		"outputs": [
			{"name": "state", "type": "uint8"},
			{"name": "premiumAmount", "type": "uint256"},
			{"name": "sumInsuredAmount", "type": "uint256"},
			{"name": "applicationData", "type": "bytes"},
			{"name": "createdAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "payouts",
		"inputs": [{"name": "policyNftId", "type": "uint96"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`

// NewInstance creates the instance binding.
func NewInstance(address common.Address) *Binding {
	return NewBinding("Instance", address, InstanceABI)
}

// Application is the on-chain application record behind a policy.
type Application struct {
	State      uint8
	Premium    *big.Int
	SumInsured *big.Int
	Data       []byte
	CreatedAt  int64
	UpdatedAt  int64
}

// DecodeApplication unpacks the getApplication return values.
func DecodeApplication(out []interface{}) (*Application, error) {
	if len(out) != 6 {
		return nil, fmt.Errorf("getApplication: expected 6 values, got %d", len(out))
	}
	app := &Application{}
	var createdAt, updatedAt *big.Int
	if err := assign(out,
		&app.State, &app.Premium, &app.SumInsured, &app.Data, &createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("getApplication: %w", err)
	}
	app.CreatedAt = createdAt.Int64()
	app.UpdatedAt = updatedAt.Int64()
	return app, nil
}
