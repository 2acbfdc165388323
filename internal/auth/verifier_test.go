package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-shared-secret"
	testIssuer = "procomp"
)

var frozenNow = time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *Verifier {
	v := NewVerifier(testSecret, testIssuer)
	v.now = func() time.Time { return frozenNow }
	return v
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-42",
		"iss": testIssuer,
		"iat": frozenNow.Add(-time.Minute).Unix(),
		"exp": frozenNow.Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	v := newTestVerifier()
	claims := baseClaims()
	claims["user_roles"] = []string{"REFEREE"}

	got, err := v.Verify(signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-42", got.SubjectID)
	assert.Equal(t, []Role{RoleReferee}, got.Roles)
	assert.Equal(t, frozenNow.Add(time.Hour).Unix(), got.ExpiresAt.Unix())
}

func TestVerifyBadSignature(t *testing.T) {
	v := newTestVerifier()
	_, err := v.Verify(signToken(t, "some-other-secret", baseClaims()))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyGarbageToken(t *testing.T) {
	v := newTestVerifier()
	_, err := v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	v := newTestVerifier()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyExpiry(t *testing.T) {
	v := newTestVerifier()

	claims := baseClaims()
	claims["exp"] = frozenNow.Add(-time.Second).Unix()
	_, err := v.Verify(signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Exactly at the expiry instant is already expired.
	claims["exp"] = frozenNow.Unix()
	_, err = v.Verify(signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)

	claims["exp"] = frozenNow.Add(time.Second).Unix()
	_, err = v.Verify(signToken(t, testSecret, claims))
	assert.NoError(t, err)
}

func TestVerifyMissingExpiry(t *testing.T) {
	v := newTestVerifier()
	claims := baseClaims()
	delete(claims, "exp")
	_, err := v.Verify(signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyIssuer(t *testing.T) {
	v := newTestVerifier()
	claims := baseClaims()
	claims["iss"] = "someone-else"
	_, err := v.Verify(signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrUnknownIssuer)

	// Empty configured issuer disables the check.
	open := NewVerifier(testSecret, "")
	open.now = func() time.Time { return frozenNow }
	_, err = open.Verify(signToken(t, testSecret, claims))
	assert.NoError(t, err)
}

func TestVerifyMissingSubject(t *testing.T) {
	v := newTestVerifier()
	claims := baseClaims()
	delete(claims, "sub")
	_, err := v.Verify(signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestExtractRolesPriority(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   []Role
	}{
		{
			"all sources merge in priority order",
			func(c jwt.MapClaims) {
				c["user_roles"] = []string{"ADMIN"}
				c["user_role"] = "COACH"
				c["app_metadata"] = map[string]interface{}{"roles": []interface{}{"REFEREE"}}
			},
			[]Role{RoleAdmin, RoleCoach, RoleReferee},
		},
		{
			"user_role ordered before app_metadata",
			func(c jwt.MapClaims) {
				c["user_role"] = "referee"
				c["app_metadata"] = map[string]interface{}{"role": "ADMIN"}
			},
			[]Role{RoleReferee, RoleAdmin},
		},
		{
			"app_metadata roles array",
			func(c jwt.MapClaims) {
				c["app_metadata"] = map[string]interface{}{"roles": []interface{}{"ORGANIZER", "COACH"}}
			},
			[]Role{RoleOrganizer, RoleCoach},
		},
		{
			"app_metadata single role",
			func(c jwt.MapClaims) {
				c["app_metadata"] = map[string]interface{}{"role": "admin"}
			},
			[]Role{RoleAdmin},
		},
		{
			"user_metadata role",
			func(c jwt.MapClaims) {
				c["user_metadata"] = map[string]interface{}{"role": "coach"}
			},
			[]Role{RoleCoach},
		},
		{
			"unknown roles dropped, next source used",
			func(c jwt.MapClaims) {
				c["user_roles"] = []string{"SUPERUSER", "wizard"}
				c["user_role"] = "referee"
			},
			[]Role{RoleReferee},
		},
		{
			"metadata grant survives a lower top-level role",
			func(c jwt.MapClaims) {
				c["user_role"] = "COMPETITOR"
				c["app_metadata"] = map[string]interface{}{"roles": []interface{}{"REFEREE"}}
			},
			[]Role{RoleCompetitor, RoleReferee},
		},
		{
			"duplicates collapsed",
			func(c jwt.MapClaims) {
				c["user_roles"] = []string{"REFEREE", "referee", "ADMIN"}
			},
			[]Role{RoleReferee, RoleAdmin},
		},
		{
			"no role claims defaults to competitor",
			func(jwt.MapClaims) {},
			[]Role{RoleCompetitor},
		},
	}

	v := newTestVerifier()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			got, err := v.Verify(signToken(t, testSecret, claims))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Roles)
		})
	}
}

// A subject whose only mutating grant sits in app_metadata must still be
// able to referee.
func TestMutationRightFromMetadataSource(t *testing.T) {
	v := newTestVerifier()
	claims := baseClaims()
	claims["user_role"] = "COMPETITOR"
	claims["app_metadata"] = map[string]interface{}{"roles": []interface{}{"REFEREE"}}

	got, err := v.Verify(signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.True(t, CanMutate(got.Roles))
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/ws/match/m1", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", BearerFromRequest(r))

	r = httptest.NewRequest("GET", "/api/v1/ws/match/m1?token=qrs789", nil)
	assert.Equal(t, "qrs789", BearerFromRequest(r))

	// Header wins over query.
	r = httptest.NewRequest("GET", "/api/v1/ws/match/m1?token=qrs789", nil)
	r.Header.Set("Authorization", "bearer abc123")
	assert.Equal(t, "abc123", BearerFromRequest(r))

	r = httptest.NewRequest("GET", "/api/v1/ws/match/m1", nil)
	assert.Empty(t, BearerFromRequest(r))
}

func TestCanMutate(t *testing.T) {
	assert.True(t, CanMutate([]Role{RoleReferee}))
	assert.True(t, CanMutate([]Role{RoleCoach, RoleAdmin}))
	assert.False(t, CanMutate([]Role{RoleCompetitor}))
	assert.False(t, CanMutate([]Role{RoleOrganizer, RoleCoach}))
	assert.False(t, CanMutate(nil))
}
