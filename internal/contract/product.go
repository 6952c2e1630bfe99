package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
)

// Product method and event names.
const (
	MethodCreateSeason          = "createSeason"
	MethodCreateLocation        = "createLocation"
	MethodCreateRisk            = "createRisk"
	MethodCreatePolicy          = "createPolicy"
	MethodGetRiskID             = "getRiskId"
	MethodGetRisk               = "getRisk"
	MethodGetConfig             = "getConfig"
	MethodCalculatePayoutAmount = "calculatePayoutAmount"
	MethodUpdatePayoutFactor    = "updatePayoutFactor"

	EventCropPolicyCreated = "LogCropPolicyCreated"
)

// ProductABI is the ABI of the crop product contract.
//
//	function createSeason(bytes32 seasonId, uint16 year, bytes32 name, bytes32 seasonStart, bytes32 seasonEnd, uint16 seasonDays) external;
//	function createLocation(bytes32 locationId, int32 latitude, int32 longitude) external;
//	function createRisk(bytes32 id, bytes32 seasonId, bytes32 locationId, bytes32 crop, uint40 seasonEndAt) external returns (bytes8 riskId);
//	function createPolicy(address policyHolder, bytes8 riskId, uint40 activateAt, uint96 sumInsured, uint96 premium) external returns (uint96 policyNftId);
//	function updatePayoutFactor(bytes8 riskId, uint256 payoutFactor) external;
//	event LogCropPolicyCreated(uint96 policyNftId);
const ProductABI = `[
	{
		"type": "function",
		"name": "createSeason",
		"inputs": [
			{"name": "seasonId", "type": "bytes32"},
			{"name": "year", "type": "uint16"},
			{"name": "name", "type": "bytes32"},
			{"name": "seasonStart", "type": "bytes32"},
			{"name": "seasonEnd", "type": "bytes32"},
			{"name": "seasonDays", "type": "uint16"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createLocation",
		"inputs": [
			{"name": "locationId", "type": "bytes32"},
			{"name": "latitude", "type": "int32"},
			{"name": "longitude", "type": "int32"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createRisk",
		"inputs": [
			{"name": "id", "type": "bytes32"},
			{"name": "seasonId", "type": "bytes32"},
			{"name": "locationId", "type": "bytes32"},
			{"name": "crop", "type": "bytes32"},
			{"name": "seasonEndAt", "type": "uint40"}
		],
		"outputs": [
			{"name": "riskId", "type": "bytes8"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createPolicy",
		"inputs": [
			{"name": "policyHolder", "type": "address"},
			{"name": "riskId", "type": "bytes8"},
			{"name": "activateAt", "type": "uint40"},
			{"name": "sumInsured", "type": "uint96"},
			{"name": "premium", "type": "uint96"}
		],
		"outputs": [
			{"name": "policyNftId", "type": "uint96"}
		],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getRiskId",
		"inputs": [
			{"name": "id", "type": "bytes32"}
		],
		"outputs": [
			{"name": "riskId", "type": "bytes8"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getRisk",
		"inputs": [
			{"name": "riskId", "type": "bytes8"}
		],
		"outputs": [
			{"name": "isValid", "type": "bool"},
			{"name": "configId", "type": "bytes32"},
			{"name": "locationId", "type": "bytes32"},
			{"name": "crop", "type": "bytes32"},
			{"name": "indexReferenceValue", "type": "uint256"},
			{"name": "indexSeasonValue", "type": "uint256"},
			{"name": "indexIsFinal", "type": "bool"},
			{"name": "createdAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "getConfig",
		"inputs": [
			{"name": "configId", "type": "bytes32"}
		],
		"outputs": [
			{"name": "valid", "type": "bool"},
			{"name": "name", "type": "string"},
			{"name": "year", "type": "uint16"},
			{"name": "startOfSeason", "type": "string"},
			{"name": "endOfSeason", "type": "string"},
			{"name": "indexType", "type": "string"},
			{"name": "dataSource", "type": "string"},
			{"name": "triggerSevereLevel", "type": "uint256"},
			{"name": "triggerSeverePayout", "type": "uint256"},
			{"name": "triggerMediumLevel", "type": "uint256"},
			{"name": "triggerMediumPayout", "type": "uint256"},
			{"name": "triggerWeakLevel", "type": "uint256"},
			{"name": "triggerWeakPayout", "type": "uint256"},
			{"name": "createdAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "calculatePayoutAmount",
		"inputs": [
			{"name": "configId", "type": "bytes32"},
			{"name": "indexReferenceValue", "type": "uint256"},
			{"name": "indexSeasonValue", "type": "uint256"},
			{"name": "sumInsured", "type": "uint256"}
		],
		"outputs": [
			{"name": "payoutAmount", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "updatePayoutFactor",
		"inputs": [
			{"name": "riskId", "type": "bytes8"},
			{"name": "payoutFactor", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "LogCropPolicyCreated",
		"inputs": [
			{"name": "policyNftId", "type": "uint96", "indexed": false}
		]
	}
]`

// NewProduct creates the crop product binding.
func NewProduct(address common.Address) *Binding {
	return NewBinding("CropProduct", address, ProductABI)
}

// CreateSeasonArgs converts a season config into createSeason arguments.
func CreateSeasonArgs(c *model.Config) ([]interface{}, error) {
	id, err := Str(c.ID)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "config id")
	}
	name, err := Str(c.Name)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "config name")
	}
	start, _ := Str(c.StartOfSeason)
	end, _ := Str(c.EndOfSeason)
	if c.Year < 0 || c.Year > 0xffff || c.SeasonDays <= 0 || c.SeasonDays > 0xffff {
		return nil, apperrors.ErrValidation.WithMessagef("config %s: year %d or season days %d out of range", c.ID, c.Year, c.SeasonDays)
	}
	return []interface{}{id, uint16(c.Year), name, start, end, uint16(c.SeasonDays)}, nil
}

// CreateLocationArgs converts a location into createLocation arguments.
func CreateLocationArgs(l *model.Location, decimals int32) ([]interface{}, error) {
	id, err := Str(l.ID)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "location id")
	}
	lat, lon := l.ScaledCoordinates(decimals)
	latitude, err := toInt32(lat)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "location %s latitude", l.ID)
	}
	longitude, err := toInt32(lon)
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "location %s longitude", l.ID)
	}
	return []interface{}{id, latitude, longitude}, nil
}

// CreateRiskArgs converts a risk and its dependencies into createRisk arguments.
func CreateRiskArgs(r *model.Risk, c *model.Config, l *model.Location) ([]interface{}, error) {
	var (
		strs [4][32]byte
		err  error
	)
	for i, s := range []string{r.ID, c.ID, l.ID, r.Crop} {
		if strs[i], err = Str(s); err != nil {
			return nil, apperrors.WrapWithCause(apperrors.ErrValidation, err, "risk %s", r.ID)
		}
	}
	seasonEndAt, err := c.SeasonEndAt()
	if err != nil {
		return nil, err
	}
	return []interface{}{strs[0], strs[1], strs[2], strs[3], big.NewInt(seasonEndAt)}, nil
}

// CreatePolicyArgs converts policy data into createPolicy arguments.
func CreatePolicyArgs(holder common.Address, riskID [8]byte, activateAt int64, sumInsured, premium *big.Int) []interface{} {
	return []interface{}{holder, riskID, big.NewInt(activateAt), sumInsured, premium}
}

// DecodePolicyCreated extracts the policy nft id from a createPolicy receipt.
// The event is optional; found is false when the product did not emit it.
func DecodePolicyCreated(product *Binding, receipt *types.Receipt) (nftID *big.Int, found bool, err error) {
	logs, err := product.FilterLogs(receipt, EventCropPolicyCreated)
	if err != nil || len(logs) == 0 {
		return nil, false, err
	}
	fields, err := product.UnpackLog(EventCropPolicyCreated, logs[0])
	if err != nil {
		return nil, false, err
	}
	id, ok := fields["policyNftId"].(*big.Int)
	if !ok {
		return nil, false, fmt.Errorf("unexpected policyNftId type %T", fields["policyNftId"])
	}
	return id, true, nil
}

// DecodeRiskID unpacks the getRiskId return value.
func DecodeRiskID(out []interface{}) ([8]byte, error) {
	if len(out) != 1 {
		return [8]byte{}, fmt.Errorf("getRiskId: expected 1 value, got %d", len(out))
	}
	id, ok := out[0].([8]byte)
	if !ok {
		return [8]byte{}, fmt.Errorf("getRiskId: unexpected type %T", out[0])
	}
	return id, nil
}

// DecodeRisk unpacks the getRisk return values.
func DecodeRisk(riskID [8]byte, out []interface{}) (*model.OnchainRisk, error) {
	if len(out) != 9 {
		return nil, fmt.Errorf("getRisk: expected 9 values, got %d", len(out))
	}
	risk := &model.OnchainRisk{ID: RiskIDHex(riskID)}
	var (
		configID, locationID, crop [32]byte
		createdAt, updatedAt       *big.Int
	)
	if err := assign(out,
		&risk.IsValid, &configID, &locationID, &crop,
		&risk.IndexReferenceValue, &risk.IndexSeasonValue, &risk.IndexIsFinal,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("getRisk: %w", err)
	}
	risk.ConfigID = StrToString(configID)
	risk.LocationID = StrToString(locationID)
	risk.Crop = StrToString(crop)
	risk.CreatedAt = createdAt.Int64()
	risk.UpdatedAt = updatedAt.Int64()
	return risk, nil
}

// DecodeConfig unpacks the getConfig return values.
func DecodeConfig(configID string, out []interface{}) (*model.OnchainConfig, error) {
	if len(out) != 15 {
		return nil, fmt.Errorf("getConfig: expected 15 values, got %d", len(out))
	}
	cfg := &model.OnchainConfig{ID: configID}
	var (
		year                 uint16
		createdAt, updatedAt *big.Int
	)
	if err := assign(out,
		&cfg.Valid, &cfg.Name, &year, &cfg.StartOfSeason, &cfg.EndOfSeason, &cfg.IndexType, &cfg.DataSource,
		&cfg.TriggerSevere.Level, &cfg.TriggerSevere.Payout,
		&cfg.TriggerMedium.Level, &cfg.TriggerMedium.Payout,
		&cfg.TriggerWeak.Level, &cfg.TriggerWeak.Payout,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("getConfig: %w", err)
	}
	cfg.Year = int(year)
	cfg.CreatedAt = createdAt.Int64()
	cfg.UpdatedAt = updatedAt.Int64()
	return cfg, nil
}

// DecodeUint256 unpacks a single uint256 return value.
func DecodeUint256(method string, out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 value, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, out[0])
	}
	return v, nil
}

func assign(out []interface{}, targets ...interface{}) error {
	for i, target := range targets {
		var ok bool
		switch t := target.(type) {
		case *bool:
			*t, ok = out[i].(bool)
		case *string:
			*t, ok = out[i].(string)
		case *uint8:
			*t, ok = out[i].(uint8)
		case *uint16:
			*t, ok = out[i].(uint16)
		case *[]byte:
			*t, ok = out[i].([]byte)
		case *[32]byte:
			*t, ok = out[i].([32]byte)
		case **big.Int:
			*t, ok = out[i].(*big.Int)
		default:
			return fmt.Errorf("unsupported target %T", target)
		}
		if !ok {
			return fmt.Errorf("value %d: unexpected type %T", i, out[i])
		}
	}
	return nil
}

func toInt32(v *big.Int) (int32, error) {
	if !v.IsInt64() || v.Int64() < -1<<31 || v.Int64() > 1<<31-1 {
		return 0, fmt.Errorf("value %s does not fit into int32", v)
	}
	return int32(v.Int64()), nil
}
