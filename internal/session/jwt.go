package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// FromJWT builds a context from a signed access token. The "role" claim selects
// the role and every claim with a valid key becomes a context claim. With an empty
// secret the signature is not verified.
func (p Policy) FromJWT(token, secret string) (Context, error) {
	claims := jwt.MapClaims{}

	if secret == "" {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil {
			return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	for k := range claims {
		if !claimKeyPattern.MatchString(k) {
			log.Debug().Str("claim", k).Msg("Skipping token claim with unsupported key")
		}
	}

	list, err := claimsFromMap(claims)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var c Context
	if role, ok := claims["role"].(string); ok {
		c.Role = Role(role)
	}
	for _, cl := range list {
		c = c.WithClaim(cl.Key, cl.Value)
	}

	if err := p.Validate(c); err != nil {
		return Context{}, err
	}
	return c, nil
}
