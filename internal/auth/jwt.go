package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/gochat-relay/internal/types"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Verifier resolves a bearer credential to the user it was issued for.
type Verifier interface {
	Verify(tokenString string) (types.User, error)
}

type Claims struct {
	jwt.StandardClaims
	UserId   string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) Verify(tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrMissingToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return types.User{}, ErrExpiredToken
		}
		return types.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return types.User{}, ErrInvalidToken
	}

	if claims.UserId == "" {
		return types.User{}, fmt.Errorf("%w: missing id claim", ErrInvalidToken)
	}

	return types.User{
		Id:           claims.UserId,
		Username:     claims.Username,
		EmailAddress: claims.Email,
	}, nil
}

// CreateToken issues a token for user that expires after exp.
func CreateToken(signingKey []byte, user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(exp).Unix(),
		},
		UserId:   user.Id,
		Email:    user.EmailAddress,
		Username: user.Username,
	})

	return token.SignedString(signingKey)
}
