package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(id string, typ audit.EventType, ip string, at time.Time) audit.Event {
	return audit.Event{ID: id, Type: typ, IPAddress: ip, CreatedAt: at}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InitSchema(context.Background()))
	assert.Equal(t, DriverSQLite, db.Driver())
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestAuditRepository_AppendAndList(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	ctx := context.Background()
	related := int64(42)

	full := audit.Event{
		ID:             "e1",
		Type:           audit.EventTokenTampered,
		SignatureType:  audit.SignatureType(core.TokenCheckout),
		IPAddress:      "203.0.113.1",
		UserAgent:      "curl/8.0",
		TokenPrefix:    "42|17000",
		RelatedModel:   "signature.request",
		RelatedID:      &related,
		ErrorMessage:   "token tampered for checkout signature",
		AdditionalInfo: `{"k":"v"}`,
		CreatedAt:      base,
	}
	require.NoError(t, repo.Append(ctx, full))
	require.NoError(t, repo.Append(ctx, event("e2", audit.EventRateLimitExceeded, "", base.Add(time.Minute))))

	events, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Nil(t, events[0].RelatedID)
	assert.Empty(t, events[0].SignatureType)
	assert.Equal(t, full, events[1])

	tampered, err := repo.List(ctx, audit.EventTokenTampered, 10)
	require.NoError(t, err)
	require.Len(t, tampered, 1)
	assert.Equal(t, "e1", tampered[0].ID)
}

func TestAuditRepository_CountSince(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, event("1", audit.EventSignatureSuccess, "a", base)))
	require.NoError(t, repo.Append(ctx, event("2", audit.EventTokenInvalid, "a", base)))
	require.NoError(t, repo.Append(ctx, event("3", audit.EventTokenExpired, "b", base)))
	require.NoError(t, repo.Append(ctx, event("4", audit.EventTokenInvalid, "c", base.Add(-48*time.Hour))))

	since := base.Add(-24 * time.Hour)
	n, err := repo.CountSince(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = repo.CountSince(ctx, since, audit.FailedEventTypes...)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.CountSince(ctx, base.Add(-72*time.Hour), audit.EventTokenInvalid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAuditRepository_TopIPsSince(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	ctx := context.Background()

	for i, e := range []audit.Event{
		event("1", audit.EventTokenInvalid, "10.0.0.2", base),
		event("2", audit.EventTokenInvalid, "10.0.0.2", base),
		event("3", audit.EventTokenTampered, "10.0.0.1", base),
		event("4", audit.EventSignatureFailed, "10.0.0.3", base),
		event("5", audit.EventTokenExpired, "10.0.0.4", base),
		event("6", audit.EventTokenInvalid, "", base),
	} {
		require.NoError(t, repo.Append(ctx, e), "event %d", i)
	}

	top, err := repo.TopIPsSince(ctx, base.Add(-time.Hour), audit.OffenderEventTypes, 10)
	require.NoError(t, err)
	assert.Equal(t, []audit.IPCount{
		{IPAddress: "10.0.0.2", Count: 2},
		{IPAddress: "10.0.0.1", Count: 1},
		{IPAddress: "10.0.0.3", Count: 1},
	}, top)

	top, err = repo.TopIPsSince(ctx, base.Add(-time.Hour), audit.OffenderEventTypes, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestAuditRepository_DeleteBefore(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, event("old", audit.EventTokenInvalid, "a", base.Add(-800*24*time.Hour))))
	require.NoError(t, repo.Append(ctx, event("new", audit.EventTokenInvalid, "a", base)))

	n, err := repo.DeleteBefore(ctx, base.Add(-730*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteBefore(ctx, base.Add(-730*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAuditRepository_BacksService(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	svc := audit.NewService(repo, audit.WithClock(func() time.Time { return base }))
	ctx := context.Background()

	svc.Record(ctx, audit.Event{Type: audit.EventSignatureSuccess, IPAddress: "a"})
	svc.Record(ctx, audit.Event{Type: audit.EventTokenTampered, IPAddress: "b", TokenPrefix: "0123456789abcdef"})

	s, err := svc.Summarize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalAttempts)
	assert.Equal(t, 1, s.FailedAttempts)
	assert.Equal(t, 50.0, s.SuccessRatePercent)

	events, err := repo.List(ctx, audit.EventTokenTampered, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "01234567", events[0].TokenPrefix)
}

func TestParamStore_GetSet(t *testing.T) {
	params := NewParamStore(openTestDB(t))
	ctx := context.Background()

	_, err := params.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, params.Set(ctx, "k", "v1"))
	require.NoError(t, params.Set(ctx, "k", "v2"))
	v, err := params.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestParamStore_SetIfUnset(t *testing.T) {
	params := NewParamStore(openTestDB(t))
	ctx := context.Background()

	v, err := params.SetIfUnset(ctx, "k", "first", "PLACEHOLDER")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = params.SetIfUnset(ctx, "k", "second", "PLACEHOLDER")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, params.Set(ctx, "k", "PLACEHOLDER"))
	v, err = params.SetIfUnset(ctx, "k", "third", "PLACEHOLDER")
	require.NoError(t, err)
	assert.Equal(t, "third", v)
}

func TestParamStore_BacksSecretProvider(t *testing.T) {
	params := NewParamStore(openTestDB(t))
	ctx := context.Background()

	secret, err := params.LoadSecret(ctx)
	require.NoError(t, err)
	assert.Empty(t, secret)

	require.NoError(t, params.Set(ctx, SignatureSecretKey, core.PlaceholderSecret))

	var wg sync.WaitGroup
	keys := make([][]byte, 4)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := core.NewSecretProvider(params, "", nil).Secret(ctx)
			assert.NoError(t, err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	stored, err := params.LoadSecret(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 64)
	for _, k := range keys {
		assert.Equal(t, stored, string(k))
	}
}
