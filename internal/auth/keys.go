package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmHS256 = "HS256"
)

// Key is a verification key pinned to exactly one signing algorithm.
type Key struct {
	method   jwt.SigningMethod
	material any
}

// Algorithm returns the pinned algorithm name.
func (k Key) Algorithm() string {
	if k.method == nil {
		return ""
	}
	return k.method.Alg()
}

func (k Key) valid() bool { return k.method != nil && k.material != nil }

// NewHMACKey returns an HS256 key for the shared secret.
func NewHMACKey(secret []byte) (Key, error) {
	if len(secret) == 0 {
		return Key{}, fmt.Errorf("%w: empty HMAC secret", ErrInvalidKey)
	}
	return Key{method: jwt.SigningMethodHS256, material: secret}, nil
}

// NewRSAKey returns an RS256 key for the public key.
func NewRSAKey(pub *rsa.PublicKey) (Key, error) {
	if pub == nil {
		return Key{}, fmt.Errorf("%w: nil RSA public key", ErrInvalidKey)
	}
	return Key{method: jwt.SigningMethodRS256, material: pub}, nil
}

// ParseKey builds a Key from configuration. For RS256 material is a PEM
// encoded public key (a private key is accepted and its public half used);
// for HS256 it is the raw secret.
func ParseKey(algorithm, material string) (Key, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "", AlgorithmRS256:
		pub, err := parseRSAPublicKey(strings.TrimSpace(material))
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return NewRSAKey(pub)
	case AlgorithmHS256:
		return NewHMACKey([]byte(material))
	default:
		return Key{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, algorithm)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return &priv.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type %s", block.Type)
	}
}
