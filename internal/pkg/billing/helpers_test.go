package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/MemberHub/app/models"
	"github.com/ManuelReschke/MemberHub/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MemberHub/internal/pkg/stripeapi"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu       sync.Mutex
	cancels  []string
	notifies []jobqueue.NotifyPayload
	fail     error
}

func (s *recordingSink) CancelSubscription(_ context.Context, _ string, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, subscriptionID)
	return s.fail
}

func (s *recordingSink) Notify(_ context.Context, n jobqueue.NotifyPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies = append(s.notifies, n)
	return s.fail
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.notifies))
	for _, n := range s.notifies {
		out = append(out, n.Kind)
	}
	return out
}

type fakeSubscriptions map[string]string

func (f fakeSubscriptions) SubscriptionJSON(_ context.Context, id string) ([]byte, error) {
	raw, ok := f[id]
	if !ok {
		return nil, stripeapi.ErrNotFound
	}
	return []byte(raw), nil
}

type testEnv struct {
	db   *gorm.DB
	svc  *Service
	sink *recordingSink
	subs fakeSubscriptions
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", "=", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.Transaction{}, &models.BillingWebhookEvent{}))

	env := &testEnv{db: db, sink: &recordingSink{}, subs: fakeSubscriptions{}}
	env.svc = NewService(NewStore(db), env.sink, env.subs, Config{
		SetupTokenSecret: "setup-secret",
		SetupTokenTTL:    48 * time.Hour,
	}, nil, nil)
	env.svc.now = func() time.Time { return testNow }
	return env
}

func (e *testEnv) account(t *testing.T, email string, mutate func(a *models.Account)) *models.Account {
	t.Helper()
	a := models.NewAccount(email, "")
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, e.svc.store.Repos().Account.Create(context.Background(), a))
	return a
}

func (e *testEnv) reload(t *testing.T, id string) *models.Account {
	t.Helper()
	a, err := e.svc.store.Repos().Account.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
