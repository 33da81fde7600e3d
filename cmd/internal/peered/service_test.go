package peered

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/sqlitedb"
	"claimgate/cmd/security/signing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *SQLiteStore) {
	t.Helper()

	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "peered.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	signer, err := signing.NewSigner(signing.RawKey(strings.Repeat("p", 32)))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc, err := NewService(st, signer, opts...)
	require.NoError(t, err)
	return svc, st
}

func createGroup(t *testing.T, svc *Service, user string, at time.Time, providers ...string) Session {
	t.Helper()
	sess, err := svc.Create(context.Background(), CreateInput{
		UserID:          user,
		GroupIndex:      2,
		Providers:       providers,
		ProvidersConfig: json.RawMessage(`{"a":{"label":"Alpha"}}`),
		CombinedReward:  decimal.RequireFromString("0.75"),
		MinTimePerAd:    10 * time.Second,
		Now:             at,
	})
	require.NoError(t, err)
	return sess
}

func step(t *testing.T, svc *Service, sess Session, provider string, at time.Time) StepResult {
	t.Helper()
	res, err := svc.CompleteProvider(context.Background(), StepInput{SessionID: sess.ID, UserID: sess.UserID, ProviderID: provider, Now: at})
	require.NoError(t, err)
	return res
}

func TestPeered_FullLifecycle(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b", "c")

	res := step(t, svc, sess, "b", t0.Add(10*time.Second))
	require.True(t, res.OK)
	require.False(t, res.AllCompleted)
	require.Equal(t, []string{"a", "c"}, res.Session.Pending())

	res = step(t, svc, sess, "a", t0.Add(20*time.Second))
	require.True(t, res.OK)

	fin, err := svc.MarkCompleted(ctx, sess.ID, "u1", t0.Add(21*time.Second))
	require.NoError(t, err)
	require.False(t, fin.OK, "finalising before full cover must fail")
	require.Equal(t, authz.CodeSessionInvalidOrCompleted, fin.Code)

	res = step(t, svc, sess, "c", t0.Add(31*time.Second))
	require.True(t, res.OK)
	require.True(t, res.AllCompleted)

	fin, err = svc.MarkCompleted(ctx, sess.ID, "u1", t0.Add(32*time.Second))
	require.NoError(t, err)
	require.True(t, fin.OK)
	require.Equal(t, StateCompleted, fin.Session.Status)
	require.Equal(t, "0.75", fin.Session.CombinedReward.String())
	require.NoError(t, fin.Session.CheckInvariants())

	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, []Completion{
		{ProviderID: "b", CompletedAt: t0.Add(10 * time.Second)},
		{ProviderID: "a", CompletedAt: t0.Add(20 * time.Second)},
		{ProviderID: "c", CompletedAt: t0.Add(31 * time.Second)},
	}, got.CompletedProviders)
	require.JSONEq(t, `{"a":{"label":"Alpha"}}`, string(got.ProvidersConfig))

	fin, err = svc.MarkCompleted(ctx, sess.ID, "u1", t0.Add(33*time.Second))
	require.NoError(t, err)
	require.Equal(t, authz.CodeSessionInvalidOrCompleted, fin.Code)

	res = step(t, svc, sess, "a", t0.Add(time.Minute))
	require.Equal(t, authz.CodeSessionAlreadyCompleted, res.Code)
}

func TestPeered_StepMinTime(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b")

	res := step(t, svc, sess, "a", t0.Add(4*time.Second))
	require.Equal(t, authz.CodeMinTimeNotPassed, res.Code)
	require.Equal(t, 6*time.Second, res.Remaining)
	require.True(t, res.Code.IsMinTime())

	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, got.CompletedProviders, "a too-early step must not mutate")

	require.True(t, step(t, svc, sess, "a", t0.Add(10*time.Second)).OK)

	res = step(t, svc, sess, "b", t0.Add(15*time.Second))
	require.Equal(t, authz.CodeMinTimeNotPassed, res.Code)
	require.Equal(t, 5*time.Second, res.Remaining, "the clock restarts from the last completion")

	require.True(t, step(t, svc, sess, "b", t0.Add(20*time.Second)).OK)
}

func TestPeered_StepClockDefersToExpiryAndMembership(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	sess := createGroup(t, svc, "u1", t0, "a", "b", "c")
	last := t0.Add(30*time.Minute - 5*time.Second)
	require.True(t, step(t, svc, sess, "a", last).OK)

	res := step(t, svc, sess, "b", t0.Add(30*time.Minute+time.Second))
	require.Equal(t, authz.CodeSessionExpired, res.Code, "an expired session is not a rate limit")
	require.Zero(t, res.Remaining)

	fresh := createGroup(t, svc, "u2", t0, "a", "b")
	res = step(t, svc, fresh, "zz", t0.Add(time.Second))
	require.Equal(t, authz.CodeProviderNotInGroup, res.Code)
	res = step(t, svc, fresh, "b", t0.Add(time.Second))
	require.Equal(t, authz.CodeMinTimeNotPassed, res.Code)
}

func TestPeered_StepRefusals(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b")
	require.True(t, step(t, svc, sess, "a", t0.Add(10*time.Second)).OK)

	cases := []struct {
		name string
		in   StepInput
		want authz.Code
	}{
		{name: "no session", in: StepInput{UserID: "u1", ProviderID: "b"}, want: authz.CodeSessionRequired},
		{name: "no provider", in: StepInput{SessionID: sess.ID, UserID: "u1"}, want: authz.CodeProviderRequired},
		{name: "unknown session", in: StepInput{SessionID: "nope", UserID: "u1", ProviderID: "b"}, want: authz.CodeSessionNotFound},
		{name: "other user", in: StepInput{SessionID: sess.ID, UserID: "u2", ProviderID: "b"}, want: authz.CodeSessionNotFound},
		{name: "not in group", in: StepInput{SessionID: sess.ID, UserID: "u1", ProviderID: "zz"}, want: authz.CodeProviderNotInGroup},
		{name: "twice", in: StepInput{SessionID: sess.ID, UserID: "u1", ProviderID: "a"}, want: authz.CodeProviderAlreadyCompleted},
		{name: "expired", in: StepInput{SessionID: sess.ID, UserID: "u1", ProviderID: "b", Now: t0.Add(31 * time.Minute)}, want: authz.CodeSessionExpired},
	}
	for _, tc := range cases {
		if tc.in.Now.IsZero() {
			tc.in.Now = t0.Add(time.Minute)
		}
		res, err := svc.CompleteProvider(ctx, tc.in)
		require.NoError(t, err, tc.name)
		require.False(t, res.OK, tc.name)
		require.Equal(t, tc.want, res.Code, tc.name)
	}

	got, err := svc.Get(ctx, sess.ID, "u1")
	require.NoError(t, err)
	require.Len(t, got.CompletedProviders, 1, "refused steps must not mutate")
	require.Equal(t, StatePending, got.Status)
}

func TestPeered_TamperedProvidersBurnSession(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b", "c")

	_, err := st.db.ExecContext(ctx, `UPDATE peered_sessions SET providers = '["a"]' WHERE id = ?`, sess.ID)
	require.NoError(t, err)

	res := step(t, svc, sess, "a", t0.Add(time.Minute))
	require.Equal(t, authz.CodeSessionSignatureInvalid, res.Code)

	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, got.Status)

	fin, err := svc.MarkCompleted(ctx, sess.ID, "u1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, authz.CodeSessionInvalidOrCompleted, fin.Code)
}

func TestPeered_ConcurrentFinalize_SingleWinner(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b")
	require.True(t, step(t, svc, sess, "a", t0.Add(10*time.Second)).OK)
	require.True(t, step(t, svc, sess, "b", t0.Add(20*time.Second)).AllCompleted)

	const n = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		codes = map[authz.Code]int{}
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fin, err := svc.MarkCompleted(ctx, sess.ID, "u1", t0.Add(30*time.Second))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				codes["error"]++
				return
			}
			if fin.OK {
				wins++
				return
			}
			codes[fin.Code]++
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, map[authz.Code]int{authz.CodeSessionInvalidOrCompleted: n - 1}, codes)
}

func TestPeered_ConcurrentSameProvider_AppendsOnce(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()
	sess := createGroup(t, svc, "u1", t0, "a", "b")

	const n = 30
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.CompleteProvider(ctx, StepInput{SessionID: sess.ID, UserID: "u1", ProviderID: "a", Now: t0.Add(time.Minute)})
			if err != nil || !res.OK {
				return
			}
			mu.Lock()
			oks++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, oks)
	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.CompletedProviders, 1)
}

func TestPeered_CreateCancelsOtherPending(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()

	first := createGroup(t, svc, "u1", t0, "a", "b")
	other := createGroup(t, svc, "u2", t0, "a", "b")
	second := createGroup(t, svc, "u1", t0.Add(time.Second), "c")

	old, err := st.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, old.Status)

	res := step(t, svc, first, "a", t0.Add(time.Minute))
	require.Equal(t, authz.CodeSessionInvalidOrCompleted, res.Code)

	require.True(t, step(t, svc, second, "c", t0.Add(time.Minute)).OK)
	require.True(t, step(t, svc, other, "a", t0.Add(time.Minute)).OK, "other users are untouched")
}

func TestPeered_CreateValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = string(rune('a' + i))
	}
	cases := []struct {
		name string
		in   CreateInput
	}{
		{name: "no user", in: CreateInput{Providers: []string{"a"}}},
		{name: "no providers", in: CreateInput{UserID: "u1"}},
		{name: "duplicate providers", in: CreateInput{UserID: "u1", Providers: []string{"a", " a"}}},
		{name: "blank provider", in: CreateInput{UserID: "u1", Providers: []string{"a", ""}}},
		{name: "too many providers", in: CreateInput{UserID: "u1", Providers: tooMany}},
		{name: "negative reward", in: CreateInput{UserID: "u1", Providers: []string{"a"}, CombinedReward: decimal.NewFromInt(-1)}},
		{name: "reward finer than store scale", in: CreateInput{UserID: "u1", Providers: []string{"a"}, CombinedReward: decimal.RequireFromString("0.00000000001")}},
		{name: "negative group", in: CreateInput{UserID: "u1", Providers: []string{"a"}, GroupIndex: -1}},
		{name: "bad config json", in: CreateInput{UserID: "u1", Providers: []string{"a"}, ProvidersConfig: json.RawMessage(`{`)}},
		{name: "step longer than session", in: CreateInput{UserID: "u1", Providers: []string{"a"}, MinTimePerAd: time.Hour}},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, tc.in)
		require.ErrorIs(t, err, ErrInvalidInput, tc.name)
	}
}

func TestPeered_CancelAndSweep(t *testing.T) {
	t.Parallel()

	svc, st := newTestService(t)
	ctx := context.Background()

	a := createGroup(t, svc, "u1", t0, "a")
	b := createGroup(t, svc, "u2", t0, "a")

	ok, err := svc.Cancel(ctx, a.ID, "u2", t0)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = svc.Cancel(ctx, a.ID, "u1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Get(ctx, b.ID, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	n, err := svc.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := st.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StateExpired, got.Status)

	n, err = svc.Sweep(ctx, t0.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := Session{UserID: "u1", Providers: []string{"a", "b"}, Status: StatePending, CreatedAt: t0,
		CompletedProviders: []Completion{{ProviderID: "a", CompletedAt: t0}}}
	now := t0.Add(time.Minute)
	maxAge := 30 * time.Minute

	with := func(f func(*Session)) Session {
		s := base
		f(&s)
		return s
	}
	cases := []struct {
		name     string
		sess     Session
		user     string
		provider string
		now      time.Time
		want     authz.Code
	}{
		{name: "owner mismatch", sess: base, user: "u2", provider: "b", now: now, want: authz.CodeSessionNotFound},
		{name: "completed", sess: with(func(s *Session) { s.Status = StateCompleted }), user: "u1", provider: "b", now: now, want: authz.CodeSessionAlreadyCompleted},
		{name: "expired status", sess: with(func(s *Session) { s.Status = StateExpired }), user: "u1", provider: "b", now: now, want: authz.CodeSessionExpired},
		{name: "expired by age", sess: base, user: "u1", provider: "b", now: t0.Add(maxAge + time.Microsecond), want: authz.CodeSessionExpired},
		{name: "cancelled", sess: with(func(s *Session) { s.Status = StateCancelled }), user: "u1", provider: "b", now: now, want: authz.CodeSessionInvalidOrCompleted},
		{name: "not in group", sess: base, user: "u1", provider: "x", now: now, want: authz.CodeProviderNotInGroup},
		{name: "already done", sess: base, user: "u1", provider: "a", now: now, want: authz.CodeProviderAlreadyCompleted},
		{name: "race lost", sess: base, user: "u1", provider: "b", now: now, want: authz.CodeSessionInvalidOrCompleted},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.sess, tc.user, tc.provider, tc.now, maxAge), tc.name)
	}
}
