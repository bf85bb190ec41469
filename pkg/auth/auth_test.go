package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-ai/castellan/pkg/auth"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
)

const secret = "test-secret-0123456789"

func sign(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("u1").
		Issuer("castellan-test").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func newVerifier(t *testing.T) auth.Verifier {
	t.Helper()
	v, err := auth.New(config.AuthConfig{
		Enabled:      true,
		SharedSecret: secret,
		Issuer:       "castellan-test",
	})
	require.NoError(t, err)
	return v
}

func TestVerifyExtractsIdentity(t *testing.T) {
	v := newVerifier(t)
	token := sign(t, func(b *jwt.Builder) {
		b.Claim("email", "u1@example.com").Claim("roles", []string{"admin", "operator"})
	})
	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("viewer"))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := newVerifier(t)
	tok, err := jwt.NewBuilder().Subject("u1").Issuer("castellan-test").
		Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("someone-elses-secret")))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), string(signed))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.AdmissionError))
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := newVerifier(t)
	token := sign(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.AdmissionError))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v := newVerifier(t)
	token := sign(t, func(b *jwt.Builder) {
		b.Issuer("somewhere-else")
	})
	_, err := v.Verify(context.Background(), token)
	require.Error(t, err)
}

func TestNewRequiresKeyMaterial(t *testing.T) {
	_, err := auth.New(config.AuthConfig{Enabled: true})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ConfigError))
}

func TestClaimsContextRoundTrip(t *testing.T) {
	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "u1"})
	claims := auth.ClaimsFrom(ctx)
	require.NotNil(t, claims)
	assert.Equal(t, "u1", claims.Subject)
	assert.Nil(t, auth.ClaimsFrom(context.Background()))
}
