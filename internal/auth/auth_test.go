package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/auth"
)

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Minute)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestRerunTokenRoundTrip(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Minute)
	require.NoError(t, err)

	taskID, parentID := uuid.New(), uuid.New()
	token, err := mgr.IssueRerunToken("lab-1", taskID, parentID)
	require.NoError(t, err)

	claims, err := mgr.ValidateRerunToken(token)
	require.NoError(t, err)
	assert.Equal(t, "lab-1", claims.ClientID)
	assert.Equal(t, taskID, claims.TaskID)
	assert.Equal(t, parentID, claims.ParentID)
}

func TestRerunTokenFromKeyFiles(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	token, err := mgr.IssueRerunToken("c", uuid.New(), uuid.New())
	require.NoError(t, err)
	_, err = mgr.ValidateRerunToken(token)
	assert.NoError(t, err)
}

func TestValidateRerunToken_Rejects(t *testing.T) {
	mgr, priv := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()
	parent := uuid.New()

	base := func() *auth.RerunClaims {
		return &auth.RerunClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   parent.String(),
				Issuer:    "conduit",
				Audience:  jwt.ClaimStrings{"conduit-rerun"},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
			ClientID: "c",
			TaskID:   uuid.New(),
			ParentID: parent,
		}
	}

	tests := []struct {
		name   string
		mutate func(*auth.RerunClaims)
	}{
		{"wrong issuer", func(c *auth.RerunClaims) { c.Issuer = "someone-else" }},
		{"wrong audience", func(c *auth.RerunClaims) { c.Audience = jwt.ClaimStrings{"conduit"} }},
		{"expired", func(c *auth.RerunClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }},
		{"no expiry", func(c *auth.RerunClaims) { c.ExpiresAt = nil }},
		{"subject mismatch", func(c *auth.RerunClaims) { c.Subject = uuid.NewString() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			_, err := mgr.ValidateRerunToken(forgeToken(t, priv, c))
			assert.Error(t, err)
		})
	}

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = mgr.ValidateRerunToken(forgeToken(t, otherPriv, base()))
	assert.Error(t, err, "signed by a foreign key")
}

func TestVerifyRerunRequest(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Minute)
	require.NoError(t, err)
	taskID, parentID := uuid.New(), uuid.New()
	token, err := mgr.IssueRerunToken("lab-1", taskID, parentID)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/fhir", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("clientID", "lab-1")
	req.Header.Set("parentID", parentID.String())
	req.Header.Set("taskID", taskID.String())

	claims, err := mgr.VerifyRerunRequest(req)
	require.NoError(t, err)
	assert.Equal(t, parentID, claims.ParentID)

	req.Header.Set("taskID", uuid.NewString())
	_, err = mgr.VerifyRerunRequest(req)
	assert.ErrorIs(t, err, auth.ErrTokenMismatch)

	req.Header.Del("Authorization")
	_, err = mgr.VerifyRerunRequest(req)
	assert.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	dir := t.TempDir()
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	privPath, pubPath := filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Minute)
	assert.ErrorContains(t, err, "does not match")
}
