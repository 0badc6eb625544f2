// Package contract provides the ABI binding for the fund registry contract and
// gas estimation for transactions sent to it.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Fund registry contract errors
var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrAmountPrecision  = errors.New("amount has more than 18 decimal places")
	ErrInvalidFundID    = errors.New("fund id must be positive")
	ErrEmptyCallData    = errors.New("empty call data")
	ErrUnexpectedOutput = errors.New("unexpected contract output")
)

// WeiDecimals is the number of decimal places between ether and wei.
const WeiDecimals = 18

// FundRegistryABI is the ABI of the FundRegistry smart contract.
// This matches the Solidity contract interface:
//
//	function allocateFund(uint256 fundId, string name, string description, uint8 category, uint256 amount, address beneficiary) external;
//	function approveFund(uint256 fundId, string remarks) external;
//	function releaseFund(uint256 fundId, uint256 amount) external payable;
//	function addMilestone(uint256 fundId, string description, uint256 amount, uint256 deadline) external;
//	function updateMilestoneStatus(uint256 fundId, uint256 index, uint8 status, string proof) external;
//	function rejectFund(uint256 fundId, string remarks) external;
//	function getFundDetails(uint256 fundId) external view returns (string, uint256, uint256, address, uint8, uint256);
const FundRegistryABI = `[
	{
		"type": "function",
		"name": "allocateFund",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "name", "type": "string"},
			{"name": "description", "type": "string"},
			{"name": "category", "type": "uint8"},
			{"name": "amount", "type": "uint256"},
			{"name": "beneficiary", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "approveFund",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "remarks", "type": "string"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "releaseFund",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "payable"
	},
	{
		"type": "function",
		"name": "addMilestone",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "description", "type": "string"},
			{"name": "amount", "type": "uint256"},
			{"name": "deadline", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "updateMilestoneStatus",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "index", "type": "uint256"},
			{"name": "status", "type": "uint8"},
			{"name": "proof", "type": "string"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "rejectFund",
		"inputs": [
			{"name": "fundId", "type": "uint256"},
			{"name": "remarks", "type": "string"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getFundDetails",
		"inputs": [
			{"name": "fundId", "type": "uint256"}
		],
		"outputs": [
			{"name": "projectName", "type": "string"},
			{"name": "totalAmount", "type": "uint256"},
			{"name": "releasedAmount", "type": "uint256"},
			{"name": "beneficiary", "type": "address"},
			{"name": "status", "type": "uint8"},
			{"name": "approvalCount", "type": "uint256"}
		],
		"stateMutability": "view"
	}
]`

// Call is a packed contract call ready to be signed.
type Call struct {
	Method string
	To     common.Address
	Data   []byte
	Value  *big.Int // wei; nil for non-payable calls
}

// FundDetails is the on-chain view of a fund returned by getFundDetails.
type FundDetails struct {
	ProjectName    string
	TotalAmount    decimal.Decimal
	ReleasedAmount decimal.Decimal
	Beneficiary    common.Address
	Status         uint8
	ApprovalCount  int64
}

// FundRegistry packs calls to the FundRegistry contract and decodes its views.
type FundRegistry struct {
	address common.Address
	abi     abi.ABI
	caller  ethereum.ContractCaller
}

// NewFundRegistry creates a new FundRegistry binding. caller may be nil when
// only call packing is needed.
func NewFundRegistry(address common.Address, caller ethereum.ContractCaller) (*FundRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(FundRegistryABI))
	if err != nil {
		return nil, err
	}

	return &FundRegistry{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the contract address.
func (r *FundRegistry) Address() common.Address {
	return r.address
}

// ABI returns the contract ABI.
func (r *FundRegistry) ABI() abi.ABI {
	return r.abi
}

// PackAllocate packs allocateFund.
func (r *FundRegistry) PackAllocate(fundID int64, name, description string, category uint8, amount decimal.Decimal, beneficiary common.Address) (*Call, error) {
	if fundID <= 0 {
		return nil, ErrInvalidFundID
	}
	wei, err := ToWei(amount)
	if err != nil {
		return nil, err
	}
	return r.pack("allocateFund", nil, big.NewInt(fundID), name, description, category, wei, beneficiary)
}

// PackApprove packs approveFund.
func (r *FundRegistry) PackApprove(fundID int64, remarks string) (*Call, error) {
	return r.pack("approveFund", nil, big.NewInt(fundID), remarks)
}

// PackRelease packs releaseFund. The call carries the released amount as value.
func (r *FundRegistry) PackRelease(fundID int64, amount decimal.Decimal) (*Call, error) {
	wei, err := ToWei(amount)
	if err != nil {
		return nil, err
	}
	return r.pack("releaseFund", wei, big.NewInt(fundID), wei)
}

// PackAddMilestone packs addMilestone. deadline is a unix timestamp in milliseconds.
func (r *FundRegistry) PackAddMilestone(fundID int64, description string, amount decimal.Decimal, deadline int64) (*Call, error) {
	wei, err := toWeiAllowZero(amount)
	if err != nil {
		return nil, err
	}
	return r.pack("addMilestone", nil, big.NewInt(fundID), description, wei, big.NewInt(deadline/1000))
}

// PackUpdateMilestoneStatus packs updateMilestoneStatus.
func (r *FundRegistry) PackUpdateMilestoneStatus(fundID int64, index int, status uint8, proof string) (*Call, error) {
	return r.pack("updateMilestoneStatus", nil, big.NewInt(fundID), big.NewInt(int64(index)), status, proof)
}

// PackReject packs rejectFund.
func (r *FundRegistry) PackReject(fundID int64, remarks string) (*Call, error) {
	return r.pack("rejectFund", nil, big.NewInt(fundID), remarks)
}

func (r *FundRegistry) pack(method string, value *big.Int, args ...interface{}) (*Call, error) {
	if id, ok := args[0].(*big.Int); ok && id.Sign() <= 0 {
		return nil, ErrInvalidFundID
	}
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	return &Call{
		Method: method,
		To:     r.address,
		Data:   data,
		Value:  value,
	}, nil
}

// GetFundDetails queries the on-chain state of a fund.
func (r *FundRegistry) GetFundDetails(ctx context.Context, fundID int64) (*FundDetails, error) {
	data, err := r.abi.Pack("getFundDetails", big.NewInt(fundID))
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &r.address,
		Data: data,
	}

	result, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	return r.UnpackFundDetails(result)
}

// UnpackFundDetails decodes the getFundDetails return data.
func (r *FundRegistry) UnpackFundDetails(result []byte) (*FundDetails, error) {
	values, err := r.abi.Unpack("getFundDetails", result)
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, ErrUnexpectedOutput
	}

	name, ok1 := values[0].(string)
	total, ok2 := values[1].(*big.Int)
	released, ok3 := values[2].(*big.Int)
	beneficiary, ok4 := values[3].(common.Address)
	status, ok5 := values[4].(uint8)
	approvals, ok6 := values[5].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, ErrUnexpectedOutput
	}

	return &FundDetails{
		ProjectName:    name,
		TotalAmount:    FromWei(total),
		ReleasedAmount: FromWei(released),
		Beneficiary:    beneficiary,
		Status:         status,
		ApprovalCount:  approvals.Int64(),
	}, nil
}

// ToWei converts a positive ether-denominated amount to wei.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return toWeiAllowZero(amount)
}

func toWeiAllowZero(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	wei := amount.Shift(WeiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, ErrAmountPrecision
	}
	return wei.BigInt(), nil
}

// FromWei converts wei to an ether-denominated amount.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}
