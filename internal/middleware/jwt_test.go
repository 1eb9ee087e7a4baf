package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgov/internal/config"
)

// makeToken creates a signed HS256 JWT from the given secret and claims.
func makeToken(secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewHS256Validator("")
	require.Error(t, err)

	v, err := NewHS256Validator("my-secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("my-secret"), v.secret)
}

func TestHS256Validator_Validate(t *testing.T) {
	t.Parallel()

	const secret = "test-secret-32-bytes-long-xxxxx"
	v, err := NewHS256Validator(secret)
	require.NoError(t, err)

	tests := []struct {
		name      string
		token     string
		wantErr   bool
		wantSub   string
		wantIss   string
		wantEmail string
		wantAud   []string
	}{
		{
			name: "valid token with all claims",
			token: makeToken(secret, jwt.MapClaims{
				"sub":   "user-123",
				"iss":   "https://auth.example.com",
				"email": "admin@example.com",
				"aud":   "idgov",
				"exp":   time.Now().Add(time.Hour).Unix(),
			}),
			wantSub:   "user-123",
			wantIss:   "https://auth.example.com",
			wantEmail: "admin@example.com",
			wantAud:   []string{"idgov"},
		},
		{
			name: "audience as array",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "user-456",
				"aud": []string{"a", "b"},
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantSub: "user-456",
			wantAud: []string{"a", "b"},
		},
		{
			name: "expired",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   makeToken("another-secret", jwt.MapClaims{"sub": "user-1"}),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := v.Validate(context.Background(), tt.token)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "token verification failed")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
			assert.Equal(t, tt.wantIss, claims.Issuer)
			assert.Equal(t, tt.wantEmail, claims.StringClaim("email"))
			assert.Equal(t, tt.wantAud, claims.Audience)
			assert.NotNil(t, claims.Raw)
		})
	}
}

func TestHS256Validator_RejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()

	v, err := NewHS256Validator("secret")
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	require.Error(t, err)
}

func TestJWTClaims_StringClaim(t *testing.T) {
	t.Parallel()

	var nilClaims *JWTClaims
	assert.Empty(t, nilClaims.StringClaim("email"))

	c := &JWTClaims{Raw: map[string]interface{}{"email": "a@b.c", "n": 3}}
	assert.Equal(t, "a@b.c", c.StringClaim("email"))
	assert.Empty(t, c.StringClaim("n"))
	assert.Empty(t, c.StringClaim("missing"))
}

func TestNewOIDCValidatorFromJWKS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		issuerURL      string
		allowedIssuers []string
		wantIssuers    map[string]bool
	}{
		{
			name:           "populates allowed issuers from list",
			issuerURL:      "https://login.example.com/tenant/v2.0",
			allowedIssuers: []string{"https://issuer1.example.com", "https://issuer2.example.com"},
			wantIssuers: map[string]bool{
				"https://issuer1.example.com": true,
				"https://issuer2.example.com": true,
			},
		},
		{
			name:        "empty allowed issuers defaults to issuer URL",
			issuerURL:   "https://login.example.com/tenant/v2.0",
			wantIssuers: map[string]bool{"https://login.example.com/tenant/v2.0": true},
		},
		{
			name:        "no issuer at all",
			wantIssuers: map[string]bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, err := NewOIDCValidatorFromJWKS(context.Background(),
				"https://login.example.com/keys", tt.issuerURL, "idgov", tt.allowedIssuers)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIssuers, v.allowedIssuers)
			assert.NotNil(t, v.verifier)
		})
	}

	_, err := NewOIDCValidatorFromJWKS(context.Background(), "", "", "", nil)
	require.Error(t, err)
}

func TestNewValidator_SelectsImplementation(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(context.Background(), config.AuthConfig{JWTSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &HS256Validator{}, v)

	v, err = NewValidator(context.Background(), config.AuthConfig{
		JWKSURL:  "https://login.example.com/keys",
		Audience: "idgov",
	})
	require.NoError(t, err)
	assert.IsType(t, &OIDCValidator{}, v)

	_, err = NewValidator(context.Background(), config.AuthConfig{})
	require.Error(t, err)
}
