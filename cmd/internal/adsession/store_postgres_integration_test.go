package adsession

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/pgtest"
	"claimgate/cmd/security/signing"

	"github.com/shopspring/decimal"
)

func newPostgresTestService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()

	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool, "claimgate_ads_it", PostgresSchema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	signer, err := signing.NewSigner(signing.RawKey(strings.Repeat("q", 32)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	svc, err := NewService(st, signer, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st
}

func TestPostgresStore_RewardRoundTripAndFailure(t *testing.T) {
	t.Parallel()

	svc, st := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess, err := svc.Create(ctx, CreateInput{UserID: "u1", Provider: "adgem", Reward: decimal.RequireFromString("0.00012500"), Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.Complete(ctx, CompleteInput{SessionID: sess.ID, UserID: "u1", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Code != authz.CodeSessionMinTimeNotPassed {
		t.Fatalf("expected min watch refusal, got %q", res.Code)
	}

	got, err := st.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !got.Reward.Equal(decimal.RequireFromString("0.000125")) {
		t.Fatalf("reward changed in storage: %s", got.Reward)
	}
}

func TestPostgresStore_FullScaleRewardVerifies(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess, err := svc.Create(ctx, CreateInput{UserID: "u1", Provider: "adgem", Reward: decimal.RequireFromString("0.0000000001"), Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.Complete(ctx, CompleteInput{SessionID: sess.ID, UserID: "u1", Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected completion, got %q", res.Code)
	}
	if res.Session.Reward.String() != "0.0000000001" {
		t.Fatalf("reward changed in storage: %s", res.Session.Reward)
	}

	if _, err := svc.Create(ctx, CreateInput{UserID: "u1", Provider: "adgem", Reward: decimal.RequireFromString("0.00000000001"), Now: now}); err == nil {
		t.Fatalf("expected a reward finer than the column scale to be refused")
	}
}

func TestPostgresStore_ConcurrentComplete_AtMostOnce(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sess, err := svc.Create(ctx, CreateInput{UserID: "u1", Provider: "adgem", Reward: decimal.NewFromInt(1), Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 50
	var (
		wg   sync.WaitGroup
		oks  atomic.Int32
		errs atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.Complete(ctx, CompleteInput{SessionID: sess.ID, UserID: "u1", Now: now.Add(time.Minute)})
			if err != nil {
				errs.Add(1)
				return
			}
			if res.OK {
				oks.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if errs.Load() != 0 {
		t.Fatalf("unexpected store errors: %d", errs.Load())
	}
	if oks.Load() != 1 {
		t.Fatalf("expected exactly one success, got %d", oks.Load())
	}
}
