package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uk.co.dudmesh.sitechat/internal/model"
)

func TestTokens(t *testing.T) {
	assert := assert.New(t)
	tokens := NewTokens("secret")
	bob := model.Participant{ID: "bob", Email: "bob@site.example", Name: "Bob"}

	token, err := tokens.Issue(bob, time.Hour)
	assert.Nil(err)

	t.Run("valid", func(t *testing.T) {
		participant, err := tokens.Parse("Bearer " + token)
		assert.Nil(err)
		assert.Equal(bob, participant)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokens("other").Parse(token)
		assert.ErrorIs(err, model.ErrorAuth)
	})

	t.Run("expired", func(t *testing.T) {
		expired, _ := tokens.Issue(bob, -time.Minute)
		_, err := tokens.Parse(expired)
		assert.ErrorIs(err, model.ErrorAuth)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := tokens.Parse("")
		assert.ErrorIs(err, model.ErrorAuth)
	})

	t.Run("provider", func(t *testing.T) {
		participant, err := NewTokenProvider(tokens, token).CurrentParticipant(context.Background())
		assert.Nil(err)
		assert.Equal(model.ParticipantID("bob"), participant.ID)
	})
}

func TestStatic(t *testing.T) {
	_, err := Static{}.CurrentParticipant(context.Background())
	assert.ErrorIs(t, err, model.ErrorAuth)

	participant, err := Static{ID: "alice"}.CurrentParticipant(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, model.ParticipantID("alice"), participant.ID)
}

func TestFromContext(t *testing.T) {
	_, err := FromContext{}.CurrentParticipant(context.Background())
	assert.ErrorIs(t, err, model.ErrorAuth)

	ctx := WithParticipant(context.Background(), model.Participant{ID: "carol"})
	participant, err := FromContext{}.CurrentParticipant(ctx)
	assert.Nil(t, err)
	assert.Equal(t, model.ParticipantID("carol"), participant.ID)
}

func TestPublicKeyTokens(t *testing.T) {
	assert := assert.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	document, err := EncodePublicKey(&privateKey.PublicKey, "idp-1")
	require.NoError(t, err)
	assert.Contains(document, `"kid":"idp-1"`)

	parsed, err := ParsePublicKey(document)
	require.NoError(t, err)
	assert.True(parsed.Equal(&privateKey.PublicKey))

	tokens, err := NewTokens("secret").WithPublicKey(document)
	require.NoError(t, err)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, Claims{
		StandardClaims: jwt.StandardClaims{Subject: "dave", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		Email:          "dave@site.example",
	}).SignedString(privateKey)
	require.NoError(t, err)

	participant, err := tokens.Parse(signed)
	assert.Nil(err)
	assert.Equal(model.ParticipantID("dave"), participant.ID)

	_, err = NewTokens("secret").Parse(signed)
	assert.ErrorIs(err, model.ErrorAuth)

	hs, _ := tokens.Issue(model.Participant{ID: "erin"}, time.Hour)
	participant, err = tokens.Parse(hs)
	assert.Nil(err)
	assert.Equal(model.ParticipantID("erin"), participant.ID)

	_, err = ParsePublicKey(`{"kty":"oct","k":"c2VjcmV0"}`)
	assert.Error(err)
}
