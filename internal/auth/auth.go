// Package auth signs and verifies the bearer tokens conduit attaches to
// rerun requests sent to its own ingress. The token binds the correlation
// headers (clientID, parentID, taskID) so the ingress can trust them.
//
// Uses Ed25519 (EdDSA). Keys can be loaded from PEM files or auto-generated
// for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer        = "conduit"
	rerunAudience = "conduit-rerun"

	// MaxRerunTokenTTL bounds how long a rerun token stays valid.
	MaxRerunTokenTTL = 30 * time.Minute
)

// ErrTokenMismatch is returned when a token's claims disagree with the
// correlation headers it arrived with.
var ErrTokenMismatch = errors.New("auth: token does not match correlation headers")

// RerunClaims identifies one rerun request.
type RerunClaims struct {
	jwt.RegisteredClaims
	ClientID string    `json:"client_id"`
	TaskID   uuid.UUID `json:"task_id"`
	ParentID uuid.UUID `json:"parent_id"`
}

// JWTManager handles rerun token creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair; reruns then only
// verify within the process that issued them.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if expiration <= 0 || expiration > MaxRerunTokenTTL {
		expiration = MaxRerunTokenTTL
	}
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for multi-instance deployments)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	edPriv, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	// A key pair mixed across environments would sign tokens nobody can verify.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}
	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueRerunToken signs a token for replaying parentID as part of taskID.
func (m *JWTManager) IssueRerunToken(clientID string, taskID, parentID uuid.UUID) (string, error) {
	now := time.Now().UTC()
	claims := RerunClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   parentID.String(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{rerunAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			ID:        uuid.New().String(),
		},
		ClientID: clientID,
		TaskID:   taskID,
		ParentID: parentID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign rerun token: %w", err)
	}
	return signed, nil
}

// ValidateRerunToken parses and validates a rerun token.
func (m *JWTManager) ValidateRerunToken(tokenStr string) (*RerunClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&RerunClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(rerunAudience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate rerun token: %w", err)
	}
	claims, ok := token.Claims.(*RerunClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid rerun token claims")
	}
	if claims.Subject != claims.ParentID.String() {
		return nil, fmt.Errorf("auth: rerun token subject does not match parent")
	}
	return claims, nil
}

// VerifyRerunRequest checks the bearer token on an ingress request against
// its clientID, parentID and taskID headers.
func (m *JWTManager) VerifyRerunRequest(r *http.Request) (*RerunClaims, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, fmt.Errorf("auth: missing bearer token")
	}
	claims, err := m.ValidateRerunToken(raw)
	if err != nil {
		return nil, err
	}
	if r.Header.Get("clientID") != claims.ClientID ||
		r.Header.Get("parentID") != claims.ParentID.String() ||
		r.Header.Get("taskID") != claims.TaskID.String() {
		return nil, ErrTokenMismatch
	}
	return claims, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, fmt.Errorf("auth: private key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return ed, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, fmt.Errorf("auth: public key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return ed, nil
}

func readPEM(path string) (*pem.Block, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode PEM %s", path)
	}
	return block, nil
}
