package identity

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/rakutentech/jwk-go/jwk"
)

// EncodePublicKey renders an ES256 verification key as a JWK document.
func EncodePublicKey(publicKey *ecdsa.PublicKey, keyID string) (string, error) {
	rawJWK, err := jwk.NewSpec(publicKey).ToJWK()
	if err != nil {
		return "", fmt.Errorf("creating JWK: %w", err)
	}
	rawJWK.Use = "sig"
	rawJWK.Alg = "ES256"
	rawJWK.Kid = keyID

	keyData, err := rawJWK.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshalling JWK: %w", err)
	}
	return string(keyData), nil
}

func ParsePublicKey(raw string) (*ecdsa.PublicKey, error) {
	keySpec, err := jwk.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	publicKey, ok := keySpec.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parsing public key: want an EC public key, got %T", keySpec.Key)
	}
	return publicKey, nil
}

// WithPublicKey makes t also accept ES256 tokens signed by an external
// identity provider whose key is given as a JWK document.
func (t *Tokens) WithPublicKey(raw string) (*Tokens, error) {
	publicKey, err := ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	return &Tokens{secret: t.secret, publicKey: publicKey}, nil
}
