package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthenticationFailed indicates a missing or invalid credential.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrAuthorizationDenied indicates a valid identity with insufficient
// permission for the target room.
var ErrAuthorizationDenied = errors.New("authorization denied")

// Session describes an authenticated connection.
type Session struct {
	UserID      string
	Username    string
	Role        string
	Permissions []string
}

// Claims is the JWT claims structure issued by the external auth service.
type Claims struct {
	Username    string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// PermissionChecker is the external permission-check collaborator: may the
// given user perform the given action on the given document?
type PermissionChecker interface {
	Check(ctx context.Context, userID, documentID, action string) (bool, error)
}

// AllowAll grants every permission check. Useful for single-tenant
// deployments and tests.
type AllowAll struct{}

func (AllowAll) Check(ctx context.Context, userID, documentID, action string) (bool, error) {
	return true, nil
}

// Authenticator validates bearer credentials and room permissions. It does no
// transport or storage I/O beyond the permission-check call.
type Authenticator struct {
	secret  []byte
	checker PermissionChecker
}

func New(jwtSecret string, checker PermissionChecker) *Authenticator {
	if checker == nil {
		checker = AllowAll{}
	}
	return &Authenticator{secret: []byte(jwtSecret), checker: checker}
}

// Authenticate validates token and checks edit permission on documentID.
func (a *Authenticator) Authenticate(ctx context.Context, token, documentID string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing credential", ErrAuthenticationFailed)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthenticationFailed)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrAuthenticationFailed)
	}

	allowed, err := a.checker.Check(ctx, claims.Subject, documentID, "edit")
	if err != nil {
		return nil, fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: user %q cannot edit %q", ErrAuthorizationDenied, claims.Subject, documentID)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return &Session{
		UserID:      claims.Subject,
		Username:    username,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
