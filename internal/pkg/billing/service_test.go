package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/notify"
)

func recurringCharge(ref, sub string) Charge {
	return Charge{
		RecordCharge: membership.RecordCharge{
			AmountMinor:    3300,
			Currency:       "usd",
			SourceRef:      ref,
			Recurring:      true,
			SubscriptionID: sub,
		},
		Processor: models.ProcessorStripe,
	}
}

func TestInstallmentScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.account(t, "three@example.com", func(a *models.Account) { a.InstallmentsRequired = 3 })
	t1 := testNow.Add(30 * 24 * time.Hour)

	res, err := env.svc.RecurringSubscriptionObserved(ctx, acc.ID, membership.SubscriptionObserved{
		SubscriptionID: "sub_A", RawStatus: "active", PeriodEnd: &t1,
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusActive, res.Projection.Status)

	res, err = env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge("stripe:ch_1", "sub_A"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Projection.InstallmentsPaid)
	assert.Equal(t, membership.StatusActive, res.Projection.Status)

	res, err = env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge("stripe:ch_1", "sub_A"))
	require.NoError(t, err)
	assert.Equal(t, membership.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, res.Projection.InstallmentsPaid)

	_, err = env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge("stripe:ch_2", "sub_A"))
	require.NoError(t, err)
	res, err = env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge("stripe:ch_3", "sub_A"))
	require.NoError(t, err)

	stored := env.reload(t, acc.ID)
	assert.Equal(t, string(membership.StatusLifetime), stored.SubscriptionStatus)
	assert.Equal(t, 3, stored.InstallmentsPaid)
	assert.Nil(t, stored.CurrentPeriodEnd)
	assert.Nil(t, stored.PrimarySubscriptionID)
	assert.Equal(t, []string{"sub_A"}, env.sink.cancels)
	assert.Contains(t, env.sink.kinds(), string(membership.NotifyLifetimeReached))
	assert.True(t, res.Projection.Access.MainCourse)

	txns, err := env.svc.ListTransactions(ctx, acc.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 3)

	p, err := env.svc.GetProjection(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.RecordedInstallments)
	assert.Equal(t, 3, p.InstallmentsPaid)
}

func TestGoalReachedAfterExactlyNCharges(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			acc := env.account(t, fmt.Sprintf("n%d@example.com", n), func(a *models.Account) {
				a.InstallmentsRequired = n
				a.SubscriptionStatus = string(membership.StatusActive)
				a.PrimarySubscriptionID = models.StringPtr("sub_1")
			})
			for i := 1; i <= n; i++ {
				res, err := env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge(fmt.Sprintf("stripe:in_%d", i), "sub_1"))
				require.NoError(t, err)
				if i < n {
					assert.NotEqual(t, membership.StatusLifetime, res.Projection.Status)
				} else {
					assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
				}
			}
			// late subscription events never revert
			_, err := env.svc.RecurringSubscriptionObserved(ctx, acc.ID, membership.SubscriptionObserved{SubscriptionID: "sub_1", RawStatus: "past_due"})
			require.NoError(t, err)
			_, err = env.svc.RecurringSubscriptionEnded(ctx, acc.ID, "sub_1")
			require.NoError(t, err)
			assert.Equal(t, string(membership.StatusLifetime), env.reload(t, acc.ID).SubscriptionStatus)
		})
	}
}

func TestStaleSubscriptionEventHasNoEffect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	end := testNow.Add(72 * time.Hour)
	acc := env.account(t, "stale@example.com", func(a *models.Account) {
		a.InstallmentsRequired = 6
		a.SubscriptionStatus = string(membership.StatusActive)
		a.PrimarySubscriptionID = models.StringPtr("sub_B")
		a.CurrentPeriodEnd = &end
	})

	res, err := env.svc.RecurringSubscriptionEnded(ctx, acc.ID, "sub_A")
	require.NoError(t, err)
	assert.Equal(t, membership.OutcomeStale, res.Outcome)

	res, err = env.svc.RecurringSubscriptionObserved(ctx, acc.ID, membership.SubscriptionObserved{SubscriptionID: "sub_A", RawStatus: "canceled"})
	require.NoError(t, err)
	assert.Equal(t, membership.OutcomeStale, res.Outcome)

	stored := env.reload(t, acc.ID)
	assert.Equal(t, string(membership.StatusActive), stored.SubscriptionStatus)
	assert.Equal(t, "sub_B", models.StringValue(stored.PrimarySubscriptionID))
	require.NotNil(t, stored.CurrentPeriodEnd)
	assert.True(t, stored.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, int64(0), stored.Version)
}

func TestOneShotChargeGoesStraightToLifetime(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.account(t, "once@example.com", nil)

	res, err := env.svc.RecordSuccessfulCharge(ctx, acc.ID, Charge{
		RecordCharge: membership.RecordCharge{AmountMinor: 99700, Currency: "USD", SourceRef: "stripe:pi_1"},
		Processor:    models.ProcessorStripe,
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
	assert.Equal(t, 1, res.Projection.InstallmentsPaid)
	assert.Equal(t, 1, res.Projection.InstallmentsRequired)
	assert.Empty(t, env.sink.cancels)

	txns, err := env.svc.ListTransactions(ctx, acc.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "usd", txns[0].Currency)
	assert.False(t, txns[0].Recurring)
}

func TestChargeValidation(t *testing.T) {
	env := newTestEnv(t)
	acc := env.account(t, "v@example.com", nil)

	_, err := env.svc.RecordSuccessfulCharge(context.Background(), acc.ID, Charge{RecordCharge: membership.RecordCharge{Currency: "usd"}, Processor: "stripe"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.RecordSuccessfulCharge(context.Background(), "missing", recurringCharge("stripe:x", ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSideEffectFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.sink.fail = errors.New("redis down")
	acc := env.account(t, "fx@example.com", func(a *models.Account) {
		a.SubscriptionStatus = string(membership.StatusActive)
		a.PrimarySubscriptionID = models.StringPtr("sub_1")
	})

	res, err := env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge("stripe:in_1", "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
	assert.Equal(t, string(membership.StatusLifetime), env.reload(t, acc.ID).SubscriptionStatus)
	assert.Equal(t, []string{"sub_1"}, env.sink.cancels)
}

func TestManualOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("goal forces lifetime", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.account(t, "o1@example.com", func(a *models.Account) {
			a.SubscriptionStatus = string(membership.StatusActive)
			a.PrimarySubscriptionID = models.StringPtr("sub_1")
			a.InstallmentsRequired = 3
		})
		res, err := env.svc.ManualOverride(ctx, acc.ID, OverrideRequest{Override: membership.Override{
			Status: membership.StatusActive, InstallmentsPaid: 3, InstallmentsRequired: 3,
		}})
		require.NoError(t, err)
		assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
		assert.Empty(t, res.Projection.PrimarySubscriptionID)
		assert.Equal(t, []string{"sub_1"}, env.sink.cancels)
	})

	t.Run("offline payer renews", func(t *testing.T) {
		env := newTestEnv(t)
		old := testNow.Add(-24 * time.Hour)
		acc := env.account(t, "o2@example.com", func(a *models.Account) {
			a.SubscriptionStatus = string(membership.StatusPastDue)
			a.InstallmentsRequired = 4
			a.InstallmentsPaid = 1
			a.CurrentPeriodEnd = &old
		})
		req := OverrideRequest{
			Override: membership.Override{
				Status: membership.StatusPastDue, InstallmentsPaid: 2, InstallmentsRequired: 4, PayingTier: membership.StatusSMMAOnly,
			},
			Payment: &ManualPayment{AmountMinor: 5000, Currency: "eur", Reference: "bank-42"},
		}
		res, err := env.svc.ManualOverride(ctx, acc.ID, req)
		require.NoError(t, err)
		assert.Equal(t, membership.StatusSMMAOnly, res.Projection.Status)
		require.NotNil(t, res.Projection.CurrentPeriodEnd)
		assert.True(t, res.Projection.CurrentPeriodEnd.Equal(testNow.Add(membership.RenewalWindow)))

		// the same bank reference again changes nothing
		res, err = env.svc.ManualOverride(ctx, acc.ID, req)
		require.NoError(t, err)
		assert.Equal(t, membership.OutcomeDuplicate, res.Outcome)
		txns, err := env.svc.ListTransactions(ctx, acc.ID, 0, 10)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, "manual:bank-42", txns[0].SourceRef)
	})

	t.Run("invalid", func(t *testing.T) {
		env := newTestEnv(t)
		acc := env.account(t, "o3@example.com", nil)
		_, err := env.svc.ManualOverride(ctx, acc.ID, OverrideRequest{Override: membership.Override{
			Status: "gold", InstallmentsPaid: 0, InstallmentsRequired: 1,
		}})
		assert.ErrorIs(t, err, ErrInvalidOverride)
		_, err = env.svc.ManualOverride(ctx, acc.ID, OverrideRequest{Override: membership.Override{
			Status: membership.StatusActive, InstallmentsPaid: 0, InstallmentsRequired: 0,
		}})
		assert.ErrorIs(t, err, ErrInvalidOverride)
	})
}

func TestGrantLifetime(t *testing.T) {
	env := newTestEnv(t)
	end := testNow.Add(time.Hour)
	acc := env.account(t, "grant@example.com", func(a *models.Account) {
		a.SubscriptionStatus = string(membership.StatusTrialing)
		a.PrimarySubscriptionID = models.StringPtr("sub_9")
		a.CurrentPeriodEnd = &end
		a.InstallmentsRequired = 5
		a.InstallmentsPaid = 2
	})

	res, err := env.svc.GrantLifetime(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
	assert.Equal(t, 2, res.Projection.InstallmentsPaid)
	assert.Nil(t, res.Projection.CurrentPeriodEnd)
	assert.Empty(t, res.Projection.PrimarySubscriptionID)
	assert.Equal(t, []string{"sub_9"}, env.sink.cancels)
}

func TestLinkSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.subs["sub_new"] = `{"id":"sub_new","customer":"cus_new","status":"active","items":{"data":[{"current_period_end":1743508800,"price":{"unit_amount":3300,"currency":"usd","metadata":{"installments":"6"}}}]}}`
	env.subs["sub_taken"] = `{"id":"sub_taken","customer":"cus_taken","status":"active"}`

	owner := env.account(t, "owner@example.com", func(a *models.Account) {
		a.PrimaryCustomerID = models.StringPtr("cus_taken")
		a.PrimarySubscriptionID = models.StringPtr("sub_taken")
		a.SubscriptionStatus = string(membership.StatusActive)
	})
	acc := env.account(t, "link@example.com", func(a *models.Account) {
		a.PrimarySubscriptionID = models.StringPtr("sub_old")
		a.SubscriptionStatus = string(membership.StatusActive)
	})

	_, err := env.svc.LinkSubscription(ctx, acc.ID, "sub_taken", "")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = env.svc.LinkSubscription(ctx, acc.ID, "sub_new", "cus_taken")
	assert.ErrorIs(t, err, ErrConflict)
	stored := env.reload(t, acc.ID)
	assert.Equal(t, "sub_old", models.StringValue(stored.PrimarySubscriptionID))
	assert.Nil(t, stored.PrimaryCustomerID)
	assert.Equal(t, int64(0), stored.Version)

	_, err = env.svc.LinkSubscription(ctx, acc.ID, "sub_missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := env.svc.LinkSubscription(ctx, acc.ID, "sub_new", "")
	require.NoError(t, err)
	assert.Equal(t, membership.OutcomeApplied, res.Outcome)
	assert.Equal(t, "sub_new", res.Projection.PrimarySubscriptionID)
	assert.Equal(t, "cus_new", res.Projection.PrimaryCustomerID)
	assert.Equal(t, 6, res.Projection.InstallmentsRequired)
	require.NotNil(t, res.Projection.CurrentPeriodEnd)
	assert.Equal(t, int64(1743508800), res.Projection.CurrentPeriodEnd.Unix())

	assert.Equal(t, "sub_taken", models.StringValue(env.reload(t, owner.ID).PrimarySubscriptionID))
}

func TestSyncSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.subs["sub_1"] = `{"id":"sub_1","customer":{"id":"cus_1","object":"customer"},"status":"past_due","current_period_end":1743508800}`

	acc := env.account(t, "sync@example.com", func(a *models.Account) {
		a.PrimarySubscriptionID = models.StringPtr("sub_1")
		a.SubscriptionStatus = string(membership.StatusActive)
		a.InstallmentsRequired = 3
	})
	res, err := env.svc.SyncSubscription(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.StatusPastDue, res.Projection.Status)
	assert.Contains(t, env.sink.kinds(), string(membership.NotifyPastDue))

	bare := env.account(t, "bare@example.com", nil)
	_, err = env.svc.SyncSubscription(ctx, bare.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepLapsed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	lapsed := env.account(t, "lapsed@example.com", func(a *models.Account) {
		a.SubscriptionStatus = string(membership.StatusActive)
		a.CurrentPeriodEnd = &past
		a.InstallmentsRequired = 3
		a.InstallmentsPaid = 1
	})
	env.account(t, "already@example.com", func(a *models.Account) {
		a.SubscriptionStatus = string(membership.StatusPastDue)
		a.CurrentPeriodEnd = &past
	})
	env.account(t, "current@example.com", func(a *models.Account) {
		a.SubscriptionStatus = string(membership.StatusActive)
		a.CurrentPeriodEnd = &future
	})

	list, err := env.svc.ListLapsed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	marked, err := env.svc.SweepLapsed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	stored := env.reload(t, lapsed.ID)
	assert.Equal(t, string(membership.StatusPastDue), stored.SubscriptionStatus)
	assert.Equal(t, 1, stored.InstallmentsPaid)
}

func TestIngestCreatesAccountWithSetupToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.svc.Ingest(ctx, models.ProcessorMarketplace, &Event{
		Target:                   Target{Email: "New@Example.com", DisplayName: "New Buyer", AllowEmail: true, CreateIfMissing: true},
		Command:                  membership.RecordCharge{AmountMinor: 29700, Currency: "brl", SourceRef: "marketplace:HP1"},
		Attribution:              "rep-7",
		AlternateTransactionCode: "HP1",
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusLifetime, res.Projection.Status)
	assert.Equal(t, "new@example.com", res.Projection.Email)
	assert.Equal(t, "HP1", res.Projection.AlternateTransactionCode)

	require.NotEmpty(t, env.sink.notifies)
	created := env.sink.notifies[0]
	assert.Equal(t, notify.KindAccountCreated, created.Kind)
	require.NotEmpty(t, created.SetupToken)

	txns, err := env.svc.ListTransactions(ctx, res.Projection.AccountID, 0, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "rep-7", txns[0].Attribution)

	_, err = env.svc.ClaimSetupToken(ctx, created.SetupToken, "short")
	assert.ErrorIs(t, err, ErrInvalidInput)

	p, err := env.svc.ClaimSetupToken(ctx, created.SetupToken, "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, res.Projection.AccountID, p.AccountID)
	assert.True(t, env.reload(t, p.AccountID).CheckPassword("correct horse battery"))

	_, err = env.svc.ClaimSetupToken(ctx, created.SetupToken, "another password")
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestIngestWithoutAccountIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Ingest(context.Background(), models.ProcessorStripe, &Event{
		Target:  Target{CustomerID: "cus_unknown", Email: "x@example.com"},
		Command: membership.SubscriptionEnded{SubscriptionID: "sub_1"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRandomInterleavingsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	acc := env.account(t, "fuzz@example.com", func(a *models.Account) { a.InstallmentsRequired = 4 })

	steps := []func(i int) error{
		func(i int) error {
			_, err := env.svc.RecordSuccessfulCharge(ctx, acc.ID, recurringCharge(fmt.Sprintf("stripe:in_%d", i%5), "sub_1"))
			return err
		},
		func(i int) error {
			_, err := env.svc.RecurringSubscriptionObserved(ctx, acc.ID, membership.SubscriptionObserved{
				SubscriptionID: []string{"sub_1", "sub_2"}[i%2], RawStatus: []string{"active", "past_due", "canceled"}[i%3],
				PeriodEnd: ptrTime(testNow.Add(time.Duration(i) * time.Hour)), Attach: membership.AttachMode(i % 3),
			})
			return err
		},
		func(i int) error {
			_, err := env.svc.RecurringSubscriptionEnded(ctx, acc.ID, []string{"sub_1", "sub_2"}[i%2])
			return err
		},
		func(i int) error {
			_, err := env.svc.ManualOverride(ctx, acc.ID, OverrideRequest{Override: membership.Override{
				Status: membership.StatusActive, InstallmentsPaid: i % 4, InstallmentsRequired: 4,
			}})
			return err
		},
	}
	for i := 0; i < 60; i++ {
		require.NoError(t, steps[(i*7+i/3)%len(steps)](i))
		require.NoError(t, env.reload(t, acc.ID).MembershipState().CheckInvariants(), "step %d", i)
	}
}
