package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized covers every reason a bearer credential is refused.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Service verifies bearer tokens minted by the external identity provider
// and resolves them against the actor registry.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the clock used for token expiry checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Authenticate resolves an Authorization header value to a verified identity.
func (s *Service) Authenticate(ctx context.Context, header string) (Identity, error) {
	token, ok := bearerToken(header)
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	actorID, role, err := s.VerifyToken(token)
	if err != nil {
		return Identity{}, err
	}

	actor, err := s.repo.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrActorNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown actor", ErrUnauthorized)
		}
		return Identity{}, err
	}
	if !actor.Active {
		return Identity{}, fmt.Errorf("%w: actor disabled", ErrUnauthorized)
	}
	// The registry is authoritative for role; a token role claim must agree with it.
	if role != "" && role != actor.Role {
		return Identity{}, fmt.Errorf("%w: role mismatch", ErrUnauthorized)
	}

	return Identity{ActorID: actor.ID, Role: actor.Role}, nil
}

// VerifyToken validates an HMAC-signed JWT and returns the subject and optional role claim.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	actorID, _ := claims["sub"].(string)
	if actorID == "" {
		actorID, _ = claims["user_id"].(string)
	}
	if actorID == "" {
		return "", "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	var role Role
	if raw, present := claims["role"]; present {
		roleStr, ok := raw.(string)
		if !ok || !isValidRole(Role(roleStr)) {
			return "", "", fmt.Errorf("%w: invalid role in token", ErrUnauthorized)
		}
		role = Role(roleStr)
	}
	return actorID, role, nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
