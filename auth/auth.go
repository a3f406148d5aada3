package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/patronus-health/consult-relay/model"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrBadIdentity  = errors.New("token carries no usable identity")
)

// Verifier turns a presented credential into a trusted identity. The
// relay trusts whatever Verify returns and never re-derives identity.
type Verifier interface {
	Verify(token string) (model.Identity, error)
}

type claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens minted by the identity service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (model.Identity, error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Identity{}, errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return model.Identity{}, ErrInvalidToken
	}
	if cl.Subject == "" {
		return model.Identity{}, ErrBadIdentity
	}
	switch cl.Role {
	case model.RoleProvider, model.RoleRequester:
	default:
		return model.Identity{}, ErrBadIdentity
	}
	return model.Identity{
		ID:   cl.Subject,
		Name: cl.Name,
		Role: cl.Role,
	}, nil
}
