package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/cfg"
)

func TestTenantAllowlist(t *testing.T) {
	a, err := NewTenantAllowlist([]string{"reader@tenant_*", "admin"}, []string{"http://rs.internal/*"})
	require.NoError(t, err)

	tests := []struct {
		name string
		conf string
		want bool
	}{
		{"matching tenant", "cluster_url=http://rs.internal/services cluster_user=reader@tenant_a cluster_password=x", true},
		{"exact user", "cluster_user=admin cluster_url=http://rs.internal/x", true},
		{"wrong user", "cluster_user=reader@other cluster_url=http://rs.internal/x", false},
		{"wrong url", "cluster_user=admin cluster_url=http://elsewhere/x", false},
		{"missing user", "cluster_url=http://rs.internal/x", false},
		{"empty user", "cluster_user= cluster_url=http://rs.internal/x", false},
		{"empty config", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := a.Authenticate(context.Background(), tt.conf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestTenantAllowlist_EmptyPatternsMatchPresentKeys(t *testing.T) {
	a, err := NewTenantAllowlist(nil, nil)
	require.NoError(t, err)

	ok, err := a.Authenticate(context.Background(), "cluster_user=u cluster_url=x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Authenticate(context.Background(), "cluster_user=u")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTenantAllowlist_InvalidPattern(t *testing.T) {
	_, err := NewTenantAllowlist([]string{"[unclosed"}, nil)
	assert.Error(t, err)
}

type countingAuth struct {
	mu    sync.Mutex
	calls int
	allow bool
	err   error
}

func (c *countingAuth) Authenticate(context.Context, string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.allow, c.err
}

func (c *countingAuth) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCached_RemembersDecisions(t *testing.T) {
	inner := &countingAuth{allow: true}
	c := NewCached(inner, 16, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := c.Authenticate(context.Background(), "cluster_user=u cluster_url=x")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, inner.count())
	assert.Equal(t, 1, c.Len())

	_, err := c.Authenticate(context.Background(), "cluster_user=v cluster_url=x")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.count())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	inner := &countingAuth{err: errors.New("directory unavailable")}
	c := NewCached(inner, 16, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := c.Authenticate(context.Background(), "cluster_user=u")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.count())
	assert.Equal(t, 0, c.Len())
}

func TestCached_Expires(t *testing.T) {
	inner := &countingAuth{allow: false}
	c := NewCached(inner, 16, 20*time.Millisecond)

	ok, err := c.Authenticate(context.Background(), "a=b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, _ = c.Authenticate(context.Background(), "a=b")
		return inner.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew(t *testing.T) {
	a, err := New(cfg.AuthConfiguration{Mode: "allow_all"})
	require.NoError(t, err)
	assert.IsType(t, AllowAll{}, a)

	a, err = New(cfg.AuthConfiguration{Mode: "allowlist", AllowedUsers: []string{"u*"}})
	require.NoError(t, err)
	assert.IsType(t, &TenantAllowlist{}, a)

	a, err = New(cfg.AuthConfiguration{Mode: "allowlist", CacheSize: 8, CacheTTLSeconds: 60})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, a)

	_, err = New(cfg.AuthConfiguration{Mode: "ldap"})
	assert.Error(t, err)
}
