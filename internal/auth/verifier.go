package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. The hub closes handshake-time failures with 4401;
// anything later becomes an Unauthenticated error frame.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrUnknownIssuer  = errors.New("unknown token issuer")
)

// Claims is the verified identity attached to a connection.
type Claims struct {
	SubjectID string
	Roles     []Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier validates HMAC-SHA256 bearer tokens against a shared secret.
// It never calls the network.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify parses and validates a bearer token and extracts subject and roles.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrBadSignature
		}
		return nil, ErrMalformedToken
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}

	sub := toString(claims["sub"])
	if sub == "" {
		return nil, ErrMalformedToken
	}
	exp := toTime(claims["exp"])
	// A token exactly at its expiry instant is already expired.
	if exp.IsZero() || !exp.After(v.now()) {
		return nil, ErrTokenExpired
	}
	if v.issuer != "" && toString(claims["iss"]) != v.issuer {
		return nil, ErrUnknownIssuer
	}

	return &Claims{
		SubjectID: sub,
		Roles:     extractRoles(claims),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: exp,
	}, nil
}

// extractRoles merges role claims from every source, in priority order:
// top-level user_roles[] and user_role, then app_metadata.roles[] and
// app_metadata.role, then user_metadata.role. Priority governs ordering
// only; a role granted by any source is kept, so a REFEREE grant in
// app_metadata survives a COMPETITOR top-level claim. Unknown role strings
// are dropped and duplicates collapse. Subjects with no recognized role
// default to COMPETITOR.
func extractRoles(claims jwt.MapClaims) []Role {
	sources := [][]string{
		toStringSlice(claims["user_roles"]),
		{toString(claims["user_role"])},
	}
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		sources = append(sources, toStringSlice(meta["roles"]), []string{toString(meta["role"])})
	}
	if meta, ok := claims["user_metadata"].(map[string]interface{}); ok {
		sources = append(sources, []string{toString(meta["role"])})
	}

	var roles []Role
	for _, src := range sources {
		for _, s := range src {
			if s == "" {
				continue
			}
			r, ok := ParseRole(s)
			if !ok {
				continue
			}
			if !HasAny(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	if len(roles) == 0 {
		return []Role{RoleCompetitor}
	}
	return roles
}

// BearerFromRequest extracts the token from the Authorization header or the
// token query parameter. The query form exists because browsers cannot set
// headers on a WebSocket handshake.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// Helper to convert interface{} to string.
func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Helper to convert interface{} to []string.
func toStringSlice(v interface{}) []string {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	if arr, ok := v.([]string); ok {
		return arr
	}
	return nil
}

// Helper to convert JWT numeric date to time.Time.
func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	}
	return time.Time{}
}
