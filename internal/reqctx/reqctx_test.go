package reqctx_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

func TestNew_DefaultsEmptyTenantToDefault(t *testing.T) {
	c := reqctx.New("", "req-1")
	assert.Equal(t, reqctx.TenantDefault, c.TenantID())
}

func TestSession_MissingReturnsAuthError(t *testing.T) {
	c := reqctx.New("acme", "req-1")

	_, err := c.Session()
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindAuth))
	assert.False(t, c.HasSession())
}

func TestWithSession_DoesNotMutateReceiver(t *testing.T) {
	base := reqctx.New("acme", "req-1")
	sess := reqctx.Session{ID: uuid.New(), UserID: uuid.New()}

	withSession := base.WithSession(sess)

	assert.False(t, base.HasSession(), "original context must stay untouched")
	require.True(t, withSession.HasSession())

	got, err := withSession.Session()
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestWithin_OverridesTenantOnly(t *testing.T) {
	base := reqctx.New("acme", "req-1").WithNetwork("1.2.3.4", "curl/8")

	scoped := base.Within("other-tenant")

	assert.Equal(t, "other-tenant", scoped.TenantID())
	assert.Equal(t, "acme", base.TenantID(), "Within must not mutate the receiver")

	ip, ok := scoped.IPAddress()
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", ip, "fields other than tenant carry over")
}

func TestWithRateLimit_RoundTrips(t *testing.T) {
	c := reqctx.New("acme", "req-1").WithRateLimit(reqctx.RateLimitState{
		Limit: 100, Remaining: 42,
	})

	rl, ok := c.RateLimit()
	require.True(t, ok)
	assert.Equal(t, 100, rl.Limit)
	assert.Equal(t, 42, rl.Remaining)
}

func TestToSerializable_OmitsSessionWhenAbsent(t *testing.T) {
	c := reqctx.New("acme", "req-1")

	s := c.ToSerializable()
	assert.Equal(t, "acme", s.TenantID)
	assert.Equal(t, "req-1", s.RequestID)
	assert.Nil(t, s.SessionID)
	assert.False(t, s.IsLeader)
}

func TestToSerializable_RetainsSessionIDAndCluster(t *testing.T) {
	sessID := uuid.New()
	shard := "shard-7"

	c := reqctx.New("acme", "req-1").
		WithSession(reqctx.Session{ID: sessID, UserID: uuid.New()}).
		WithCluster(reqctx.ClusterIdentity{IsLeader: true, ShardID: &shard})

	s := c.ToSerializable()
	require.NotNil(t, s.SessionID)
	assert.Equal(t, sessID.String(), *s.SessionID)
	assert.True(t, s.IsLeader)
	require.NotNil(t, s.ShardID)
	assert.Equal(t, shard, *s.ShardID)
}

func TestIntoFrom_RoundTripsThroughStdlibContext(t *testing.T) {
	c := reqctx.New("acme", "req-1")
	ctx := reqctx.Into(context.Background(), c)

	got, ok := reqctx.From(ctx)
	require.True(t, ok)
	assert.Equal(t, "acme", got.TenantID())

	_, ok = reqctx.From(context.Background())
	assert.False(t, ok)
}

func TestMustFrom_PanicsWhenAbsent(t *testing.T) {
	assert.Panics(t, func() {
		reqctx.MustFrom(context.Background())
	})
}
