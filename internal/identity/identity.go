// Package identity resolves the participant a chat client acts as.
package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"uk.co.dudmesh.sitechat/internal/model"
)

type Provider interface {
	CurrentParticipant(ctx context.Context) (model.Participant, error)
}

// Static always resolves to the same participant. A zero participant means
// nobody is signed in.
type Static model.Participant

func (s Static) CurrentParticipant(ctx context.Context) (model.Participant, error) {
	if s.ID == "" {
		return model.Participant{}, model.ErrorAuth
	}
	return model.Participant(s), nil
}

type Claims struct {
	jwt.StandardClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Tokens issues and verifies HS256 participant tokens. With a public key set
// it verifies ES256 tokens too, though it can only issue HS256 ones.
type Tokens struct {
	secret    []byte
	publicKey *ecdsa.PublicKey
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

func (t *Tokens) Issue(participant model.Participant, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   string(participant.ID),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
		Email: participant.Email,
		Name:  participant.Name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) Parse(raw string) (model.Participant, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return model.Participant{}, model.ErrorAuth
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return t.secret, nil
		case *jwt.SigningMethodECDSA:
			if t.publicKey != nil {
				return t.publicKey, nil
			}
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	})
	if err != nil {
		return model.Participant{}, fmt.Errorf("%w: %v", model.ErrorAuth, err)
	}
	if claims.Subject == "" {
		return model.Participant{}, fmt.Errorf("%w: token has no subject", model.ErrorAuth)
	}
	return model.Participant{
		ID:    model.ParticipantID(claims.Subject),
		Email: claims.Email,
		Name:  claims.Name,
	}, nil
}

// TokenProvider resolves the participant from a bearer token held by the client.
type TokenProvider struct {
	tokens *Tokens
	token  string
}

func NewTokenProvider(tokens *Tokens, token string) *TokenProvider {
	return &TokenProvider{tokens: tokens, token: token}
}

func (p *TokenProvider) CurrentParticipant(ctx context.Context) (model.Participant, error) {
	return p.tokens.Parse(p.token)
}

type contextKey struct{}

func WithParticipant(ctx context.Context, participant model.Participant) context.Context {
	return context.WithValue(ctx, contextKey{}, participant)
}

// FromContext resolves the participant stored by WithParticipant.
type FromContext struct{}

func (FromContext) CurrentParticipant(ctx context.Context) (model.Participant, error) {
	participant, ok := ctx.Value(contextKey{}).(model.Participant)
	if !ok || participant.ID == "" {
		return model.Participant{}, model.ErrorAuth
	}
	return participant, nil
}
