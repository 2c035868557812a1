package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"PoolLedger/internal/pool"
)

type callerKeyType struct{}

var callerKey callerKeyType

// StaticTokenPermissions maps bearer tokens to roles. Tokens are loaded
// from configuration at startup; the caller identity passed to Allow is
// the raw token.
type StaticTokenPermissions struct {
	roles map[string]string
}

func NewStaticTokenPermissions(tokenRoles map[string]string) *StaticTokenPermissions {
	roles := make(map[string]string, len(tokenRoles))
	for token, role := range tokenRoles {
		roles[token] = role
	}
	return &StaticTokenPermissions{roles: roles}
}

// Allow returns nil when the caller's token carries the named role. An
// admin token passes every role check.
func (p *StaticTokenPermissions) Allow(caller string, role string) error {
	got, ok := p.roles[caller]
	if !ok {
		return fmt.Errorf("unknown caller")
	}
	if got == role || got == pool.RoleAdmin {
		return nil
	}
	return fmt.Errorf("caller lacks role %q", role)
}

// withCaller extracts the bearer token into the request context. Public
// routes ignore it; restricted handlers check it against the permission
// checker.
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			r = r.WithContext(context.WithValue(r.Context(), callerKey, token))
		}
		next.ServeHTTP(w, r)
	})
}

func callerFrom(ctx context.Context) string {
	token, _ := ctx.Value(callerKey).(string)
	return token
}
