package mapmeet

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// session tokens are issued by the auth provider after phone verification.
// Tokens expire, so the gateway asks the source for a token on every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (self TokenFunc) Token(ctx context.Context) (string, error) {
	return self(ctx)
}

type StaticTokenSource string

func (self StaticTokenSource) Token(ctx context.Context) (string, error) {
	if self == "" {
		return "", ErrAuthUnavailable
	}
	return string(self), nil
}

type SessionClaims struct {
	UserId    string
	Phone     string
	ExpiresAt time.Time
}

// the claims are not verified here. The backend verifies on every call.
func ParseSessionClaims(token string) (*SessionClaims, error) {
	claims := gojwt.MapClaims{}
	_, _, err := gojwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, errors.Wrap(ErrAuthUnavailable, err.Error())
	}

	sessionClaims := &SessionClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		sessionClaims.UserId = userId
	}
	if phone, ok := claims["phone"].(string); ok {
		sessionClaims.Phone = phone
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sessionClaims.ExpiresAt = exp.Time
	}

	if sessionClaims.UserId == "" {
		return nil, errors.Wrap(ErrAuthUnavailable, "token has no user_id")
	}
	return sessionClaims, nil
}

// RefreshingTokenSource caches a token until shortly before it expires,
// then calls `refresh` for a new one.
type RefreshingTokenSource struct {
	refresh TokenFunc
	leeway  time.Duration

	stateLock sync.Mutex
	token     string
	expiresAt time.Time
}

func NewRefreshingTokenSource(refresh TokenFunc, leeway time.Duration) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		refresh: refresh,
		leeway:  leeway,
	}
}

func (self *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token != "" && time.Now().Add(self.leeway).Before(self.expiresAt) {
		return self.token, nil
	}

	token, err := self.refresh(ctx)
	if err != nil {
		self.token = ""
		return "", errors.Wrap(ErrAuthUnavailable, err.Error())
	}
	claims, err := ParseSessionClaims(token)
	if err != nil {
		self.token = ""
		return "", err
	}
	self.token = token
	self.expiresAt = claims.ExpiresAt
	return token, nil
}

func (self *RefreshingTokenSource) Invalidate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.token = ""
}
