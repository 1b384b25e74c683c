package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/blues/microfund/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// campaignABI 众筹合约内置 ABI
const campaignABI = `[
	{"type":"function","name":"invest","stateMutability":"payable",
	 "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getCampaign","stateMutability":"view",
	 "inputs":[{"name":"campaignId","type":"uint256"}],
	 "outputs":[
		{"name":"companyId","type":"uint256"},
		{"name":"fundingGoal","type":"uint256"},
		{"name":"minInvestment","type":"uint256"},
		{"name":"expectedReturnBps","type":"uint256"},
		{"name":"dailyPenaltyBps","type":"uint256"},
		{"name":"paymentDeadline","type":"uint256"},
		{"name":"totalRaised","type":"uint256"},
		{"name":"active","type":"bool"},
		{"name":"goalReached","type":"bool"},
		{"name":"fundsDistributed","type":"bool"},
		{"name":"returnsDistributed","type":"bool"},
		{"name":"owner","type":"address"}
	 ]},
	{"type":"function","name":"getInvestment","stateMutability":"view",
	 "inputs":[{"name":"campaignId","type":"uint256"},{"name":"investor","type":"address"}],
	 "outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"getRequiredPayment","stateMutability":"view",
	 "inputs":[{"name":"campaignId","type":"uint256"}],
	 "outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"distributeFunds","stateMutability":"nonpayable",
	 "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"returnInvestment","stateMutability":"payable",
	 "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdrawReturns","stateMutability":"nonpayable",
	 "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable",
	 "inputs":[{"name":"campaignId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"InvestmentMade","anonymous":false,
	 "inputs":[{"indexed":true,"name":"campaignId","type":"uint256"},{"indexed":true,"name":"investor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"FundsDistributed","anonymous":false,
	 "inputs":[{"indexed":true,"name":"campaignId","type":"uint256"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"InvestmentReturned","anonymous":false,
	 "inputs":[{"indexed":true,"name":"campaignId","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"ReturnsWithdrawn","anonymous":false,
	 "inputs":[{"indexed":true,"name":"campaignId","type":"uint256"},{"indexed":true,"name":"investor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"Refunded","anonymous":false,
	 "inputs":[{"indexed":true,"name":"campaignId","type":"uint256"},{"indexed":true,"name":"investor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]}
]`

// Contract 合约地址与 ABI
type Contract struct {
	address common.Address
	abi     abi.ABI
}

// NewContract 创建合约实例，abiPath 为空时使用内置 ABI
func NewContract(address, abiPath string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}

	parsedABI, err := loadABI(abiPath)
	if err != nil {
		return nil, err
	}

	return &Contract{
		address: common.HexToAddress(address),
		abi:     parsedABI,
	}, nil
}

func loadABI(abiPath string) (abi.ABI, error) {
	if abiPath == "" {
		return abi.JSON(strings.NewReader(campaignABI))
	}

	abiData, err := os.ReadFile(abiPath)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to load ABI from %s: %w", abiPath, err)
	}

	// 先尝试解析为完整的编译输出文件
	var compiledOutput struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(abiData, &compiledOutput); err == nil && compiledOutput.ABI != nil {
		parsed, err := abi.JSON(bytes.NewReader(compiledOutput.ABI))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI from compiled output: %w", err)
		}
		return parsed, nil
	}

	parsed, err := abi.JSON(bytes.NewReader(abiData))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// GetAddress 获取合约地址
func (c *Contract) GetAddress() common.Address {
	return c.address
}

// GetABI 获取合约ABI
func (c *Contract) GetABI() abi.ABI {
	return c.abi
}

// EventAmount 从回执日志中取出指定事件的 amount 字段，未找到时返回 nil
func (c *Contract) EventAmount(receipt *types.Receipt, eventName string) *big.Int {
	event, ok := c.abi.Events[eventName]
	if !ok || receipt == nil {
		return nil
	}

	for _, log := range receipt.Logs {
		if log.Address != c.address || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		values := make(map[string]interface{})
		if err := c.abi.UnpackIntoMap(values, eventName, log.Data); err != nil {
			logger.Warn("Failed to unpack %s event in tx %s: %v", eventName, log.TxHash.Hex(), err)
			continue
		}
		if amount, ok := values["amount"].(*big.Int); ok {
			return amount
		}
	}
	return nil
}
