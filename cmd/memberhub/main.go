package main

import (
	"context"
	"errors"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ManuelReschke/MemberHub/internal/pkg/billing"
	"github.com/ManuelReschke/MemberHub/internal/pkg/config"
	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/notify"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

func main() {
	fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		infraModule,
		billingModule,
		httpModule,
		fx.Invoke(registerJobs, startQueue, startServer),
	).Run()
}

// registerJobs binds the effect handlers to the queue.
func registerJobs(q *jobqueue.Queue, sc *stripeapi.Client, rdb *redis.Client, log *zap.Logger) {
	q.Register(jobqueue.JobTypeCancelSubscription, billing.CancelSubscriptionHandler(sc, log.Named("effects")))
	q.Register(jobqueue.JobTypeNotify, notify.NewJobHandler(notify.NewRedisOutbox(rdb)))
}

func startQueue(lc fx.Lifecycle, q *jobqueue.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			q.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			q.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.ListenAddr())
			if err != nil {
				return err
			}
			log.Info("starting http server", zap.String("addr", cfg.ListenAddr()))
			go func() {
				if err := app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping http server")
			return app.ShutdownWithContext(ctx)
		},
	})
}
