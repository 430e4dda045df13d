package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v, err := NewVerifier("s3cret", "monios")
	require.NoError(t, err)

	token, err := v.Issue("u1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", subject.TenantID)
	assert.Equal(t, "u1@example.com", subject.Email)
	assert.Equal(t, "monios", subject.Issuer)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v, err := NewVerifier("s3cret", "monios")
	require.NoError(t, err)

	other, err := NewVerifier("different", "monios")
	require.NoError(t, err)
	forged, err := other.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewVerifier("s3cret", "someone-else")
	require.NoError(t, err)
	token, err := wrongIssuer.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := v.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	v.now = time.Now
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ", "")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier("s3cret", "")
	require.NoError(t, err)
	token, err := v.Issue("tenant-42", "", time.Hour)
	require.NoError(t, err)

	var seen *Subject
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "tenant-42", seen.TenantID)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, SubjectFromContext(r.Context()))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.True(t, called)
}

func TestTenantFromContext(t *testing.T) {
	_, ok := TenantFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSubject(context.Background(), &Subject{TenantID: "alice"})
	tenant, ok := TenantFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", tenant)

	_, ok = TenantFromContext(WithSubject(context.Background(), &Subject{}))
	assert.False(t, ok)
}
