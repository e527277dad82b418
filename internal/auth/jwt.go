package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the core needs from a verified token.
type Claims struct {
	UserID      string
	Role        string
	IsModerator bool
}

type JWTValidator struct {
	alg    string
	pubKey *rsa.PublicKey
	secret []byte
}

func NewJWTValidator(pubKeyPath, alg, secret string) (*JWTValidator, error) {
	alg = strings.ToUpper(alg)
	jv := &JWTValidator{alg: alg}
	switch alg {
	case "RS256":
		b, err := os.ReadFile(pubKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read pubkey: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(b)
		if err != nil {
			return nil, fmt.Errorf("parse pubkey: %w", err)
		}
		jv.pubKey = key
	case "HS256":
		if secret == "" {
			return nil, errors.New("hs256 secret required")
		}
		jv.secret = []byte(secret)
	default:
		return nil, errors.New("unsupported alg")
	}
	return jv, nil
}

// Validate verifies token and extracts the actor. The id comes from sub,
// falling back to user_id.
func (j *JWTValidator) Validate(token string) (Claims, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if j.alg == "RS256" {
			return j.pubKey, nil
		}
		return j.secret, nil
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{j.alg}))
	tok, err := parser.Parse(token, keyFunc)
	if err != nil {
		return Claims{}, err
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Claims{}, errors.New("invalid token")
	}
	var c Claims
	c.UserID, _ = mc["sub"].(string)
	if c.UserID == "" {
		c.UserID, _ = mc["user_id"].(string)
	}
	if c.UserID == "" {
		return Claims{}, errors.New("sub missing")
	}
	c.Role, _ = mc["role"].(string)
	switch strings.ToLower(c.Role) {
	case "admin", "moderator":
		c.IsModerator = true
	}
	return c, nil
}

// ParseBearerToken strips the Bearer scheme from an Authorization header.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
