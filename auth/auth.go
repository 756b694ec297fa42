package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/maxpert/cdcrelay/cfg"
	"github.com/maxpert/cdcrelay/protocol"
)

// Authenticator decides whether a client handshake configuration may open a subscription.
// A false result with a nil error is a rejection; an error means the decision could not be made.
type Authenticator interface {
	Authenticate(ctx context.Context, configuration string) (bool, error)
}

// AllowAll accepts every configuration
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string) (bool, error) {
	return true, nil
}

// TenantAllowlist accepts configurations whose cluster_user and cluster_url match the
// configured patterns. An empty pattern list matches anything, but the key must be present.
type TenantAllowlist struct {
	users []glob.Glob
	urls  []glob.Glob
}

// NewTenantAllowlist compiles user and url glob patterns
func NewTenantAllowlist(userPatterns, urlPatterns []string) (*TenantAllowlist, error) {
	a := &TenantAllowlist{
		users: make([]glob.Glob, 0, len(userPatterns)),
		urls:  make([]glob.Glob, 0, len(urlPatterns)),
	}

	for _, pattern := range userPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid user pattern %q: %w", pattern, err)
		}
		a.users = append(a.users, g)
	}

	for _, pattern := range urlPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
		}
		a.urls = append(a.urls, g)
	}

	return a, nil
}

func (a *TenantAllowlist) Authenticate(_ context.Context, configuration string) (bool, error) {
	kv := protocol.ConfigurationMap(configuration)

	user, ok := kv[protocol.ConfClusterUser]
	if !ok || user == "" {
		return false, nil
	}
	url, ok := kv[protocol.ConfClusterURL]
	if !ok || url == "" {
		return false, nil
	}

	return matchAny(a.users, user) && matchAny(a.urls, url), nil
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// New builds the authenticator described by the auth configuration section
func New(c cfg.AuthConfiguration) (Authenticator, error) {
	var inner Authenticator
	switch c.Mode {
	case "", "allow_all":
		return AllowAll{}, nil
	case "allowlist":
		a, err := NewTenantAllowlist(c.AllowedUsers, c.AllowedURLs)
		if err != nil {
			return nil, err
		}
		inner = a
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", c.Mode)
	}

	if c.CacheSize <= 0 {
		return inner, nil
	}
	return NewCached(inner, c.CacheSize, time.Duration(c.CacheTTLSeconds)*time.Second), nil
}
