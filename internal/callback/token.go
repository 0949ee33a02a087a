package callback

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "tandem"

// Claims — содержимое callback-токена.
type Claims struct {
	// InstanceID — экземпляр оркестрации, ожидающий результат.
	InstanceID string `json:"iid"`

	// CommandID — команда; имя события, которое поднимет callback.
	CommandID string `json:"cid"`

	jwtlib.RegisteredClaims
}

// Tokens выпускает и проверяет подписанные callback-токены.
type Tokens struct {
	secret []byte
}

// NewTokens создаёт Tokens с ключом подписи HS256.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Issue выпускает токен для экземпляра и команды. ID токена (jti)
// регистрируется в Registry и удаляется при использовании.
func (t *Tokens) Issue(instanceID, commandID string, ttl time.Duration) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		InstanceID: instanceID,
		CommandID:  commandID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign callback token: %w", err)
	}
	return signed, claims, nil
}

// Parse проверяет подпись и срок действия токена.
func (t *Tokens) Parse(token string) (*Claims, error) {
	return t.parse(token)
}

// ParseExpired проверяет только подпись: просроченный токен тоже нужно
// уметь отозвать.
func (t *Tokens) ParseExpired(token string) (*Claims, error) {
	return t.parse(token, jwtlib.WithoutClaimsValidation())
}

func (t *Tokens) parse(token string, opts ...jwtlib.ParserOption) (*Claims, error) {
	opts = append(opts,
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
	)
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(*jwtlib.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" || claims.InstanceID == "" || claims.CommandID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
