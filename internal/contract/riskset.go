package contract

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// EventRiskAdded is emitted by the risk set when a product registers a risk.
const EventRiskAdded = "LogRiskSetRiskAdded"

// RiskSetABI is the event interface of the instance risk set.
//
//	event LogRiskSetRiskAdded(uint96 productNftId, bytes8 riskId);
const RiskSetABI = `[
	{
		"type": "event",
		"name": "LogRiskSetRiskAdded",
		"inputs": [
			{"name": "productNftId", "type": "uint96", "indexed": false},
			{"name": "riskId", "type": "bytes8", "indexed": false}
		]
	}
]`

// NewRiskSet creates the risk set binding.
func NewRiskSet(address common.Address) *Binding {
	return NewBinding("RiskSet", address, RiskSetABI)
}

// RecoverRiskID decodes the on-chain risk id from a createRisk receipt.
//
// Exactly one LogRiskSetRiskAdded log emitted by the risk set address is expected.
func RecoverRiskID(riskSet *Binding, receipt *types.Receipt) ([8]byte, error) {
	logs, err := riskSet.FilterLogs(receipt, EventRiskAdded)
	if err != nil {
		return [8]byte{}, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	if len(logs) != 1 {
		return [8]byte{}, apperrors.ErrChainEventMissing.
			WithMessagef("expected exactly one %s log from %s, got %d", EventRiskAdded, riskSet.Address.Hex(), len(logs)).
			WithDetail("tx_hash", receipt.TxHash.Hex())
	}

	fields, err := riskSet.UnpackLog(EventRiskAdded, logs[0])
	if err != nil {
		return [8]byte{}, apperrors.WrapWithCause(apperrors.ErrChainEventMissing, err, "decode %s", EventRiskAdded)
	}
	id, ok := fields["riskId"].([8]byte)
	if !ok {
		return [8]byte{}, apperrors.ErrChainEventMissing.WithMessagef("unexpected riskId type %T", fields["riskId"])
	}
	return id, nil
}
