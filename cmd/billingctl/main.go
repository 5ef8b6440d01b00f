package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/cache"
	"github.com/ManuelReschke/MemberHub/internal/pkg/config"
	"github.com/ManuelReschke/MemberHub/internal/pkg/database"
	"github.com/ManuelReschke/MemberHub/internal/pkg/env"
	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/logging"
	"github.com/ManuelReschke/MemberHub/internal/pkg/membership"
	"github.com/ManuelReschke/MemberHub/internal/pkg/middleware"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app holds what the subcommands need. Side effects are enqueued for the
// server's workers rather than run here.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	svc     *billing.Service
	cleanup func()
}

func rootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "billingctl",
		Short:        "Operator tool for membership billing",
		SilenceUsage: true,
	}

	withService := func(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := a.init(cmd.Context()); err != nil {
				return err
			}
			defer a.cleanup()
			return run(cmd, args)
		}
	}

	root.AddCommand(
		lapsedCommand(a, withService),
		grantLifetimeCommand(a, withService),
		overrideCommand(a, withService),
		linkCommand(a, withService),
		syncCommand(a, withService),
		adminTokenCommand(),
	)
	return root
}

func (a *app) init(ctx context.Context) error {
	if err := env.Load(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.IsDev())
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, cfg.DB.DSN(), false, log.Named("database"))
	if err != nil {
		return err
	}
	rdb := cache.New(ctx, cache.Options{Addr: cfg.Cache.Addr(), Password: cfg.Cache.Password, DB: cfg.Cache.DB}, log.Named("cache"))
	queue := jobqueue.NewQueue(rdb, 1, log, nil)

	a.cfg = cfg
	a.log = log
	a.svc = billing.NewService(billing.NewStore(db), billing.NewQueueSink(queue),
		stripeapi.New(cfg.Stripe.SecretKey, nil), billing.Config{
			SetupTokenSecret: cfg.Setup.TokenSecret,
			SetupTokenTTL:    cfg.Setup.TokenTTL,
		}, log, nil)
	a.cleanup = func() {
		_ = rdb.Close()
		_ = database.Close(db)
		_ = log.Sync()
	}
	return nil
}

type runner func(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func lapsedCommand(a *app, with runner) *cobra.Command {
	var (
		limit       int
		markPastDue bool
	)
	cmd := &cobra.Command{
		Use:   "lapsed",
		Short: "List accounts whose paid period has ended",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string) error {
			if markPastDue {
				n, err := a.svc.SweepLapsed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d account(s) past_due\n", n)
				return nil
			}
			accounts, err := a.svc.ListLapsed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, accounts)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of accounts")
	cmd.Flags().BoolVar(&markPastDue, "mark-past-due", false, "move lapsed accounts to past_due")
	return cmd
}

func grantLifetimeCommand(a *app, with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "grant-lifetime <account-id>",
		Short: "Give an account permanent access",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.GrantLifetime(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
}

func overrideCommand(a *app, with runner) *cobra.Command {
	var (
		status, payingTier, periodEnd string
		paid, required                int
		clearPeriodEnd                bool
		payAmount                     int64
		payCurrency, payRef           string
	)
	cmd := &cobra.Command{
		Use:   "override <account-id>",
		Short: "Set an account's membership state",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string) error {
			req, err := buildOverride(status, payingTier, periodEnd, paid, required, clearPeriodEnd)
			if err != nil {
				return err
			}
			if payRef != "" {
				req.Payment = &billing.ManualPayment{AmountMinor: payAmount, Currency: payCurrency, Reference: payRef}
			}
			res, err := a.svc.ManualOverride(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "target status")
	f.IntVar(&paid, "paid", 0, "installments paid")
	f.IntVar(&required, "required", 1, "installments required")
	f.StringVar(&periodEnd, "period-end", "", "current period end (RFC 3339)")
	f.BoolVar(&clearPeriodEnd, "clear-period-end", false, "remove the period end")
	f.StringVar(&payingTier, "paying-tier", "", "tier restored when the payer renews")
	f.Int64Var(&payAmount, "payment-amount", 0, "offline payment amount in minor units")
	f.StringVar(&payCurrency, "payment-currency", "usd", "offline payment currency")
	f.StringVar(&payRef, "payment-ref", "", "offline payment reference; records a ledger entry")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func buildOverride(status, payingTier, periodEnd string, paid, required int, clearPeriodEnd bool) (billing.OverrideRequest, error) {
	st, ok := membership.ParseStatus(status)
	if !ok {
		return billing.OverrideRequest{}, fmt.Errorf("unknown status %q", status)
	}
	ov := membership.Override{
		Status:               st,
		InstallmentsPaid:     paid,
		InstallmentsRequired: required,
		ClearPeriodEnd:       clearPeriodEnd,
	}
	if periodEnd != "" {
		t, err := time.Parse(time.RFC3339, periodEnd)
		if err != nil {
			return billing.OverrideRequest{}, fmt.Errorf("period-end: %w", err)
		}
		t = t.UTC()
		ov.CurrentPeriodEnd = &t
	}
	if payingTier != "" {
		tier, ok := membership.ParseStatus(payingTier)
		if !ok {
			return billing.OverrideRequest{}, fmt.Errorf("unknown paying tier %q", payingTier)
		}
		ov.PayingTier = tier
	}
	return billing.OverrideRequest{Override: ov}, nil
}

func linkCommand(a *app, with runner) *cobra.Command {
	var subscriptionID, customerID string
	cmd := &cobra.Command{
		Use:   "link <account-id>",
		Short: "Attach a processor subscription to an account",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.LinkSubscription(cmd.Context(), args[0], subscriptionID, customerID)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
	cmd.Flags().StringVar(&subscriptionID, "subscription", "", "subscription id")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id (defaults to the subscription's customer)")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func syncCommand(a *app, with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Re-read the linked subscription from the processor",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string) error {
			res, err := a.svc.SyncSubscription(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	}
}

func adminTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := env.Load(); err != nil {
				return err
			}
			tok, err := middleware.IssueAdminToken(env.GetEnv("ADMIN_JWT_SECRET", ""), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "operator name recorded in audit logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
