/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tds

import (
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator supplies the credential material for the login sequence.
// There are exactly three implementations: password credentials, a
// federated bearer token minted on demand, and a pre-supplied bearer
// token. The login sequence asks a federated authenticator for its
// token only after the server has named its token endpoint.
type Authenticator interface {
	// FedAuth reports whether the login uses federated authentication.
	// It selects the pre-login negotiation flag and the login record's
	// extension flag.
	FedAuth() bool

	// Password returns the password for credential logins. Federated
	// authenticators return the empty string.
	Password() string

	// Token returns the current bearer token, refreshing it first if
	// the implementation can and the cached one is about to expire.
	Token() (string, error)
}

// TokenMinter mints a fresh bearer token for a credential reference,
// with an optional tenant override. The caller owns communication with
// its identity provider; this package never performs it.
type TokenMinter interface {
	Mint(credentialRef, tenant string) (string, error)
}

// PasswordAuth authenticates with a user password embedded, obfuscated,
// in the login record.
type PasswordAuth struct {
	Pass string
}

// FedAuth is part of the Authenticator interface.
func (a *PasswordAuth) FedAuth() bool { return false }

// Password is part of the Authenticator interface.
func (a *PasswordAuth) Password() string { return a.Pass }

// Token is part of the Authenticator interface.
func (a *PasswordAuth) Token() (string, error) {
	return "", NewProtoError(ERAuthenticationRejected, "password authenticator holds no bearer token")
}

// tokenRefreshMargin is how long before expiry a cached token is
// already considered stale.
const tokenRefreshMargin = 5 * time.Minute

// RefreshTokenAuth authenticates with bearer tokens minted by an
// injected TokenMinter. Tokens are cached until shortly before their
// expiry claim.
type RefreshTokenAuth struct {
	Minter        TokenMinter
	CredentialRef string
	Tenant        string

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// FedAuth is part of the Authenticator interface.
func (a *RefreshTokenAuth) FedAuth() bool { return true }

// Password is part of the Authenticator interface.
func (a *RefreshTokenAuth) Password() string { return "" }

// Token is part of the Authenticator interface. It returns the cached
// token while it remains valid past the refresh margin, and mints a
// fresh one otherwise.
func (a *RefreshTokenAuth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != "" && (a.expiry.IsZero() || time.Until(a.expiry) > tokenRefreshMargin) {
		return a.cached, nil
	}

	token, err := a.Minter.Mint(a.CredentialRef, a.Tenant)
	if err != nil {
		return "", err
	}
	a.cached = token
	a.expiry = tokenExpiry(token)
	return token, nil
}

// StaticTokenAuth authenticates with a pre-supplied bearer token. The
// token's structure, audience and expiry are validated at construction;
// once it expires, re-authentication fails explicitly since there is no
// way to mint a replacement.
type StaticTokenAuth struct {
	token  string
	expiry time.Time
}

// NewStaticTokenAuth validates the given token and wraps it in an
// authenticator. audience, when non-empty, must appear in the token's
// audience claim.
func NewStaticTokenAuth(token, audience string) (*StaticTokenAuth, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, NewProtoError(ERAuthenticationRejected, "malformed bearer token: %v", err)
	}
	if audience != "" && !slices.Contains(claims.Audience, audience) {
		return nil, NewProtoError(ERAuthenticationRejected, "bearer token audience %v does not include %v", claims.Audience, audience)
	}
	auth := &StaticTokenAuth{token: token}
	if claims.ExpiresAt != nil {
		auth.expiry = claims.ExpiresAt.Time
		if time.Now().After(auth.expiry) {
			return nil, NewProtoError(ERTokenExpired, "bearer token expired at %v", auth.expiry)
		}
	}
	return auth, nil
}

// FedAuth is part of the Authenticator interface.
func (a *StaticTokenAuth) FedAuth() bool { return true }

// Password is part of the Authenticator interface.
func (a *StaticTokenAuth) Password() string { return "" }

// Token is part of the Authenticator interface.
func (a *StaticTokenAuth) Token() (string, error) {
	if !a.expiry.IsZero() && time.Now().After(a.expiry) {
		return "", NewProtoError(ERTokenExpired, "bearer token expired at %v and cannot be refreshed", a.expiry)
	}
	return a.token, nil
}

// tokenExpiry extracts the expiry claim of a bearer token, or the zero
// time when the token carries none or cannot be parsed.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
