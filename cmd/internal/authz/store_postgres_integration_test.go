package authz

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claimgate/cmd/internal/pgtest"
	"claimgate/cmd/security/signing"
)

func newPostgresTestService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()

	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool, "claimgate_authz_it", PostgresSchema)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	signer, err := signing.NewSigner(signing.RawKey(strings.Repeat("p", 32)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	svc, err := NewService(st, signer, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st
}

func TestPostgresStore_IssueConsumeLifecycle(t *testing.T) {
	t.Parallel()

	svc, st := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, IssueInput{
		UserID:  "u1",
		Kind:    ActionAdWatch,
		Context: map[string]string{"provider": "p1", "campaign": "c1"},
		Now:     now,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, err := svc.Consume(ctx, ConsumeInput{TokenID: issued.TokenID, UserID: "u1", Kind: ActionAdWatch, Expected: map[string]string{"provider": "p2"}, Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("consume mismatched: %v", err)
	}
	if res.Code != CodeTokenInvalidOrConsumed {
		t.Fatalf("expected invalid-or-consumed for context mismatch, got %q", res.Code)
	}

	res, err = svc.Consume(ctx, ConsumeInput{TokenID: issued.TokenID, UserID: "u1", Kind: ActionAdWatch, Expected: map[string]string{"provider": "p1"}, Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Code)
	}

	got, err := st.Get(ctx, issued.TokenID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Consumed || got.ConsumedAt == nil {
		t.Fatalf("expected consumed row, got %+v", got)
	}
}

func TestPostgresStore_TamperedIssuedAtFailsSignature(t *testing.T) {
	t.Parallel()

	svc, st := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, IssueInput{UserID: "u1", Kind: ActionFaucetClaim, Now: now})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tokens := pgIdent(st.schema, "action_tokens")
	if _, err := st.pool.Exec(ctx, `UPDATE `+tokens+` SET issued_at = issued_at - interval '1 hour' WHERE token_id = $1`, issued.TokenID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := svc.Consume(ctx, ConsumeInput{TokenID: issued.TokenID, UserID: "u1", Kind: ActionFaucetClaim, Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Code != CodeTokenSignatureInvalid {
		t.Fatalf("expected signature failure, got %q", res.Code)
	}
}

func TestPostgresStore_ConcurrentConsume_AtMostOnce(t *testing.T) {
	t.Parallel()

	svc, _ := newPostgresTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.Issue(ctx, IssueInput{UserID: "u1", Kind: ActionFaucetClaim, Now: now})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const workers = 100
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
			res, err := svc.Consume(ctx, ConsumeInput{TokenID: issued.TokenID, UserID: "u1", Kind: ActionFaucetClaim, Now: now.Add(time.Minute)})
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
