// Package contract provides ABI bindings for the crop insurance product contracts.
package contract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Binding errors
var (
	ErrUnknownMethod = errors.New("unknown contract method")
	ErrUnknownEvent  = errors.New("unknown contract event")
	ErrStrTooLong    = errors.New("string does not fit into bytes32")
)

// Binding pairs a deployed contract address with its ABI.
type Binding struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// MustParseABI parses an embedded ABI definition and panics on malformed JSON.
func MustParseABI(name, definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("contract: malformed %s ABI: %v", name, err))
	}
	return parsed
}

// NewBinding creates a binding for the given embedded ABI.
func NewBinding(name string, address common.Address, definition string) *Binding {
	return &Binding{
		Name:    name,
		Address: address,
		ABI:     MustParseABI(name, definition),
	}
}

// Pack encodes a method call.
func (b *Binding) Pack(method string, args ...interface{}) ([]byte, error) {
	if _, ok := b.ABI.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, b.Name, method)
	}
	return b.ABI.Pack(method, args...)
}

// Unpack decodes the return values of a method call.
func (b *Binding) Unpack(method string, data []byte) ([]interface{}, error) {
	if _, ok := b.ABI.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, b.Name, method)
	}
	return b.ABI.Unpack(method, data)
}

// EventID returns the topic hash of an event.
func (b *Binding) EventID(event string) (common.Hash, error) {
	ev, ok := b.ABI.Events[event]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s.%s", ErrUnknownEvent, b.Name, event)
	}
	return ev.ID, nil
}

// FilterLogs returns the receipt logs emitted by this contract with the given event topic.
func (b *Binding) FilterLogs(receipt *types.Receipt, event string) ([]*types.Log, error) {
	id, err := b.EventID(event)
	if err != nil {
		return nil, err
	}
	var logs []*types.Log
	for _, log := range receipt.Logs {
		if log.Address != b.Address || len(log.Topics) == 0 || log.Topics[0] != id {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// UnpackLog decodes the indexed and non-indexed fields of an event log into a map.
func (b *Binding) UnpackLog(event string, log *types.Log) (map[string]interface{}, error) {
	ev, ok := b.ABI.Events[event]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownEvent, b.Name, event)
	}
	out := make(map[string]interface{})
	if len(log.Data) > 0 {
		if err := b.ABI.UnpackIntoMap(out, event, log.Data); err != nil {
			return nil, err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics) < len(indexed)+1 {
		return nil, fmt.Errorf("not enough topics for %s event", event)
	}
	if err := abi.ParseTopicsIntoMap(out, indexed, log.Topics[1:]); err != nil {
		return nil, err
	}
	return out, nil
}

// Str encodes a short string as a right padded bytes32 value.
func Str(s string) ([32]byte, error) {
	var result [32]byte
	if len(s) > len(result) {
		return result, fmt.Errorf("%w: %q", ErrStrTooLong, s)
	}
	copy(result[:], s)
	return result, nil
}

// StrToString converts a bytes32 value to a string, trimming trailing null bytes.
func StrToString(b [32]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// RiskIDHex formats an on-chain risk id.
func RiskIDHex(id [8]byte) string {
	return "0x" + common.Bytes2Hex(id[:])
}

// ParseRiskID parses a hex encoded on-chain risk id.
func ParseRiskID(s string) ([8]byte, error) {
	var id [8]byte
	raw := common.FromHex(s)
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid risk id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// Contracts groups the bindings the sync engine talks to.
type Contracts struct {
	Product  *Binding
	Token    *Binding
	RiskSet  *Binding
	Instance *Binding
}

// NewContracts creates all bindings from their deployed addresses.
func NewContracts(product, token, riskSet, instance common.Address) *Contracts {
	return &Contracts{
		Product:  NewProduct(product),
		Token:    NewToken(token),
		RiskSet:  NewRiskSet(riskSet),
		Instance: NewInstance(instance),
	}
}
