package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant is the room access described by a media access token.
type Grant struct {
	Room      string
	Identity  string
	CanJoin   bool
	ExpiresAt time.Time
}

type accessClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Video struct {
		Room     string `json:"room"`
		RoomJoin bool   `json:"roomJoin"`
	} `json:"video"`
}

// InspectAccessToken reads the claims of a room access token without
// verifying its signature. The result is for logging and diagnostics only.
func InspectAccessToken(token string) (Grant, error) {
	if token == "" {
		return Grant{}, errors.New("access token is empty")
	}
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Grant{}, fmt.Errorf("inspect access token: %w", err)
	}
	g := Grant{
		Room:     claims.Video.Room,
		Identity: claims.Subject,
		CanJoin:  claims.Video.RoomJoin,
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}

// Expired reports whether the grant carries an expiry before now.
func (g Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}
