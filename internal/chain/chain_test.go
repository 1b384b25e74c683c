package chain

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func TestDecodeCampaignRoundTrip(t *testing.T) {
	contract, err := NewContract(testContractAddr, "")
	require.NoError(t, err)

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	deadline := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	data, err := contract.GetABI().Methods["getCampaign"].Outputs.Pack(
		big.NewInt(3), big.NewInt(1000), big.NewInt(10), big.NewInt(1200), big.NewInt(50),
		big.NewInt(deadline.Unix()), big.NewInt(640),
		true, false, false, false, owner,
	)
	require.NoError(t, err)

	out, err := contract.GetABI().Unpack("getCampaign", data)
	require.NoError(t, err)

	snap, err := decodeCampaign(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.CompanyID)
	assert.Equal(t, big.NewInt(1000), snap.FundingGoal)
	assert.Equal(t, uint64(1200), snap.ExpectedReturnBps)
	assert.Equal(t, uint64(50), snap.DailyPenaltyBps)
	assert.True(t, snap.PaymentDeadline.Equal(deadline))
	assert.Equal(t, big.NewInt(640), snap.TotalRaised)
	assert.True(t, snap.Active)
	assert.False(t, snap.GoalReached)
	assert.True(t, snap.IsOwner("0x00000000000000000000000000000000000000AA"))
}

func TestDecodeCampaignRejectsBadShape(t *testing.T) {
	_, err := decodeCampaign([]interface{}{big.NewInt(1)})
	assert.Error(t, err)

	out := make([]interface{}, 12)
	for i := range out {
		out[i] = "x"
	}
	_, err = decodeCampaign(out)
	assert.Error(t, err)
}

func TestEventAmount(t *testing.T) {
	contract, err := NewContract(testContractAddr, "")
	require.NoError(t, err)

	event := contract.GetABI().Events[eventReturnsWithdrawn]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(660))
	require.NoError(t, err)

	receipt := &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			{
				Address: common.HexToAddress("0x0000000000000000000000000000000000000001"),
				Topics:  []common.Hash{event.ID},
				Data:    data,
			},
			{
				Address: contract.GetAddress(),
				Topics:  []common.Hash{event.ID, common.BigToHash(big.NewInt(1)), common.BytesToHash(common.HexToAddress("0xaa").Bytes())},
				Data:    data,
			},
		},
	}

	assert.Equal(t, big.NewInt(660), contract.EventAmount(receipt, eventReturnsWithdrawn))
	assert.Nil(t, contract.EventAmount(receipt, eventRefunded))
	assert.Nil(t, contract.EventAmount(receipt, "NoSuchEvent"))
}

func TestLoadABIFromCompiledOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Campaign.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"abi":`+campaignABI+`,"bytecode":"0x"}`), 0o600))

	contract, err := NewContract(testContractAddr, path)
	require.NoError(t, err)
	assert.Contains(t, contract.GetABI().Methods, "withdrawReturns")

	_, err = NewContract("not-an-address", "")
	assert.Error(t, err)

	_, err = NewContract(testContractAddr, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{"insufficient funds for gas * price + value", apperr.ReasonInsufficientFunds},
		{"User rejected the request", apperr.ReasonUserRejected},
		{"execution reverted: goal reached", apperr.ReasonReverted},
		{"gas required exceeds allowance (0)", apperr.ReasonFeeEstimation},
		{"replacement transaction underpriced", apperr.ReasonFeeEstimation},
		{"dial tcp: connection refused", apperr.ReasonUnavailable},
		{"something odd", apperr.ReasonUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyError(errors.New(tt.err)), tt.err)
	}
}

func TestParseSigners(t *testing.T) {
	operator, err := crypto.GenerateKey()
	require.NoError(t, err)
	custodial, err := crypto.GenerateKey()
	require.NoError(t, err)

	signers, err := parseSigners(
		"0x"+common.Bytes2Hex(crypto.FromECDSA(operator)),
		[]string{common.Bytes2Hex(crypto.FromECDSA(custodial)), ""},
	)
	require.NoError(t, err)
	assert.Len(t, signers, 2)
	assert.Contains(t, signers, crypto.PubkeyToAddress(custodial.PublicKey))

	_, err = parseSigners("zz", nil)
	assert.Error(t, err)
}

func TestCallContextBoundsEveryCall(t *testing.T) {
	c := &CampaignContract{callTimeout: time.Second, confirmTimeout: 3 * time.Second}

	ctx, cancel := c.callContext(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 200*time.Millisecond)

	waitCtx, cancelWait, timeout := c.waitContext(context.Background())
	defer cancelWait()
	assert.Equal(t, 3*time.Second, timeout)
	_, ok = waitCtx.Deadline()
	assert.True(t, ok)

	// 未配置时使用默认超时
	empty := &CampaignContract{}
	ctx, cancel = empty.callContext(context.Background())
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(defaultCallTimeout), deadline, 200*time.Millisecond)

	_, cancelWait, timeout = empty.waitContext(context.Background())
	defer cancelWait()
	assert.Equal(t, defaultConfirmTimeout, timeout)
}
