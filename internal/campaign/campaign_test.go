package campaign

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deadline = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func snapshot() Snapshot {
	return Snapshot{
		ID:                1,
		FundingGoal:       big.NewInt(1000),
		MinInvestment:     big.NewInt(10),
		ExpectedReturnBps: 1000,
		DailyPenaltyBps:   50,
		PaymentDeadline:   deadline,
		TotalRaised:       big.NewInt(0),
		Active:            true,
		Owner:             "0xowner",
	}
}

func TestStateDerivation(t *testing.T) {
	before := deadline.Add(-time.Hour)
	after := deadline.Add(time.Hour)

	s := snapshot()
	assert.Equal(t, StateActive, s.State(before))
	assert.Equal(t, StateExpired, s.State(after))

	s.Active = false
	assert.Equal(t, StateInactive, s.State(before))
	assert.Equal(t, StateFailed, s.State(after))
	assert.True(t, s.Failed(after))

	s.GoalReached = true
	assert.Equal(t, StateFunded, s.State(after))
	assert.False(t, s.Failed(after))

	s.FundsDistributed = true
	assert.Equal(t, StateFundsDistributed, s.State(after))

	s.ReturnsDistributed = true
	assert.Equal(t, StateReturned, s.State(after))
}

func TestRequiredPaymentPenaltyGrows(t *testing.T) {
	principal := big.NewInt(1000000)

	onTime := RequiredPayment(principal, 1000, 50, deadline, deadline.Add(-time.Hour))
	assert.Equal(t, big.NewInt(1100000), onTime)

	// 不足一天不计罚金
	sameDay := RequiredPayment(principal, 1000, 50, deadline, deadline.Add(23*time.Hour))
	assert.Equal(t, onTime, sameDay)

	fiveDays := RequiredPayment(principal, 1000, 50, deadline, deadline.Add(5*24*time.Hour+time.Minute))
	assert.Equal(t, big.NewInt(1125000), fiveDays)
	assert.Equal(t, -1, onTime.Cmp(fiveDays))

	assert.Equal(t, int64(0), DaysLate(deadline, deadline.Add(-48*time.Hour)))
	assert.Equal(t, int64(2), DaysLate(deadline, deadline.Add(50*time.Hour)))
}

func TestProRataShare(t *testing.T) {
	assert.Equal(t, big.NewInt(275), ProRataShare(big.NewInt(1100), big.NewInt(250), big.NewInt(1000)))
	assert.Equal(t, int64(0), ProRataShare(big.NewInt(1100), big.NewInt(250), big.NewInt(0)).Int64())
}

func TestCheckInvest(t *testing.T) {
	now := deadline.Add(-time.Hour)
	s := snapshot()
	s.TotalRaised = big.NewInt(900)

	assert.NoError(t, CheckInvest(s, big.NewInt(100), now))
	assert.ErrorIs(t, CheckInvest(s, big.NewInt(200), now), apperr.ErrValidation)
	assert.ErrorIs(t, CheckInvest(s, big.NewInt(5), now), apperr.ErrValidation)
	assert.ErrorIs(t, CheckInvest(s, big.NewInt(50), deadline.Add(time.Hour)), apperr.ErrStateConflict)

	s.GoalReached = true
	assert.ErrorIs(t, CheckInvest(s, big.NewInt(50), now), apperr.ErrGoalAlreadyReached)
}

func TestCheckDistribute(t *testing.T) {
	s := snapshot()
	assert.ErrorIs(t, CheckDistribute(s, "0xowner"), apperr.ErrStateConflict)

	s.GoalReached = true
	assert.ErrorIs(t, CheckDistribute(s, "0xstranger"), apperr.ErrAuthorization)
	assert.NoError(t, CheckDistribute(s, "0xOWNER"))

	s.FundsDistributed = true
	assert.ErrorIs(t, CheckDistribute(s, "0xowner"), apperr.ErrAlreadyDistributed)
}

func TestCheckReturn(t *testing.T) {
	s := snapshot()
	s.GoalReached = true
	s.FundsDistributed = true
	required := big.NewInt(1100)

	assert.ErrorIs(t, CheckReturn(s, "0xother", required, required), apperr.ErrAuthorization)
	assert.ErrorIs(t, CheckReturn(s, "0xowner", big.NewInt(1099), required), apperr.ErrValidation)
	assert.NoError(t, CheckReturn(s, "0xowner", big.NewInt(1200), required))

	s.ReturnsDistributed = true
	assert.ErrorIs(t, CheckReturn(s, "0xowner", required, required), apperr.ErrAlreadyReturned)
}

func TestCheckWithdrawAndRefund(t *testing.T) {
	after := deadline.Add(time.Hour)
	s := snapshot()

	assert.ErrorIs(t, CheckWithdraw(s, big.NewInt(10), false), apperr.ErrStateConflict)
	s.GoalReached = true
	s.FundsDistributed = true
	s.ReturnsDistributed = true
	assert.ErrorIs(t, CheckWithdraw(s, big.NewInt(0), false), apperr.ErrAuthorization)
	assert.NoError(t, CheckWithdraw(s, big.NewInt(10), false))
	assert.ErrorIs(t, CheckWithdraw(s, big.NewInt(10), true), apperr.ErrAlreadyWithdrawn)

	// 已达标的活动不能退款
	assert.ErrorIs(t, CheckRefund(s, big.NewInt(10), false, after), apperr.ErrStateConflict)

	failed := snapshot()
	assert.ErrorIs(t, CheckRefund(failed, big.NewInt(10), false, after), apperr.ErrStateConflict)
	failed.Active = false
	assert.NoError(t, CheckRefund(failed, big.NewInt(10), false, after))
	assert.ErrorIs(t, CheckRefund(failed, nil, false, after), apperr.ErrAuthorization)
	assert.ErrorIs(t, CheckRefund(failed, big.NewInt(10), true, after), apperr.ErrAlreadyRefunded)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestSimulatorLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: deadline.Add(-24 * time.Hour)}
	sim := NewSimulator(WithSimulatorClock(clk.now))

	id := sim.CreateCampaign(CampaignParams{
		Owner:             "0xOwner",
		FundingGoal:       big.NewInt(1000),
		MinInvestment:     big.NewInt(10),
		ExpectedReturnBps: 1000,
		DailyPenaltyBps:   50,
		PaymentDeadline:   deadline,
	})
	sim.Fund("0xa", big.NewInt(600))
	sim.Fund("0xb", big.NewInt(400))
	sim.Fund("0xowner", big.NewInt(500))

	rec, err := sim.Invest(ctx, id, "0xa", big.NewInt(600))
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, rec.Status)

	_, err = sim.Invest(ctx, id, "0xb", big.NewInt(500))
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)

	_, err = sim.Invest(ctx, id, "0xb", big.NewInt(400))
	require.NoError(t, err)

	snap, err := sim.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.GoalReached)
	assert.Equal(t, big.NewInt(1000), snap.TotalRaised)

	_, err = sim.DistributeFunds(ctx, id, "0xa")
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)
	_, err = sim.DistributeFunds(ctx, id, "0xowner")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1500), sim.Balance("0xowner"))

	required, err := sim.GetRequiredPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1100), required)

	_, err = sim.ReturnInvestment(ctx, id, "0xowner", big.NewInt(1000))
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)
	_, err = sim.ReturnInvestment(ctx, id, "0xowner", required)
	require.NoError(t, err)

	rec, err = sim.WithdrawReturns(ctx, id, "0xa")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(660), rec.Amount)
	assert.Equal(t, big.NewInt(660), sim.Balance("0xa"))

	_, err = sim.WithdrawReturns(ctx, id, "0xa")
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)
}

func TestSimulatorRefundAfterDeadline(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: deadline.Add(-24 * time.Hour)}
	sim := NewSimulator(WithSimulatorClock(clk.now))

	id := sim.CreateCampaign(CampaignParams{Owner: "0xowner", FundingGoal: big.NewInt(1000), PaymentDeadline: deadline})
	sim.Fund("0xa", big.NewInt(300))

	_, err := sim.Invest(ctx, id, "0xa", big.NewInt(300))
	require.NoError(t, err)

	_, err = sim.Refund(ctx, id, "0xa")
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)

	clk.t = deadline.Add(time.Hour)
	snap, err := sim.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State(clk.t))

	rec, err := sim.Refund(ctx, id, "0xa")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), rec.Amount)
	assert.Equal(t, big.NewInt(300), sim.Balance("0xa"))
}

func TestSimulatorHoldAndFail(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	id := sim.CreateCampaign(CampaignParams{Owner: "0xowner", FundingGoal: big.NewInt(1000), PaymentDeadline: time.Now().Add(time.Hour)})
	sim.Fund("0xa", big.NewInt(100))

	sim.FailNext(apperr.ReasonUserRejected)
	_, err := sim.Invest(ctx, id, "0xa", big.NewInt(50))
	assert.ErrorIs(t, err, apperr.ErrExternalTransfer)
	assert.Equal(t, apperr.ReasonUserRejected, apperr.CodeOf(err))

	sim.HoldNext()
	rec, err := sim.Invest(ctx, id, "0xa", big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, TxPending, rec.Status)

	inv, err := sim.GetInvestment(ctx, id, "0xa")
	require.NoError(t, err)
	assert.Equal(t, int64(0), inv.Int64())

	settled, err := sim.Settle(rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, settled.Status)

	status, err := sim.TransferStatus(ctx, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status.Status)

	sim.Fund("0xpoor", big.NewInt(1))
	_, err = sim.Invest(ctx, id, "0xpoor", big.NewInt(50))
	assert.Equal(t, apperr.ReasonInsufficientFunds, apperr.CodeOf(err))
}

func TestSimulatorDroppedTransaction(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	id := sim.CreateCampaign(CampaignParams{Owner: "0xowner", FundingGoal: big.NewInt(1000), PaymentDeadline: time.Now().Add(time.Hour)})
	sim.Fund("0xa", big.NewInt(100))

	sim.HoldNext()
	rec, err := sim.Invest(ctx, id, "0xa", big.NewInt(50))
	require.NoError(t, err)
	require.NoError(t, sim.Drop(rec.TxHash))

	status, err := sim.TransferStatus(ctx, rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, TxPending, status.Status)
	assert.True(t, status.Dropped)

	_, err = sim.Settle(rec.TxHash)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, big.NewInt(100), sim.Balance("0xa"))

	// 已确认的交易不能丢弃
	confirmed, err := sim.Invest(ctx, id, "0xa", big.NewInt(10))
	require.NoError(t, err)
	assert.Error(t, sim.Drop(confirmed.TxHash))
}
