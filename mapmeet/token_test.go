package mapmeet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testToken(t *testing.T, userId string, expiresAt time.Time) string {
	claims := gojwt.MapClaims{
		"user_id": userId,
		"phone":   "+15550100",
		"exp":     expiresAt.Unix(),
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	assert.Equal(t, nil, err)
	return token
}

func TestParseSessionClaims(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := ParseSessionClaims(testToken(t, "u1", expiresAt))
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", claims.UserId)
	assert.Equal(t, "+15550100", claims.Phone)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())

	_, err = ParseSessionClaims("not a token")
	assert.Equal(t, true, errors.Is(err, ErrAuthUnavailable))

	_, err = ParseSessionClaims(testToken(t, "", expiresAt))
	assert.Equal(t, true, errors.Is(err, ErrAuthUnavailable))
}

func TestRefreshingTokenSourceCaches(t *testing.T) {
	ctx := context.Background()

	refreshCount := 0
	token := testToken(t, "u1", time.Now().Add(time.Hour))
	tokenSource := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		refreshCount += 1
		return token, nil
	}, time.Minute)

	for i := 0; i < 4; i += 1 {
		got, err := tokenSource.Token(ctx)
		assert.Equal(t, nil, err)
		assert.Equal(t, token, got)
	}
	assert.Equal(t, 1, refreshCount)

	tokenSource.Invalidate()
	_, err := tokenSource.Token(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, refreshCount)
}

func TestRefreshingTokenSourceLeeway(t *testing.T) {
	ctx := context.Background()

	refreshCount := 0
	// expires inside the leeway, so it is never served from the cache
	tokenSource := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		refreshCount += 1
		return testToken(t, "u1", time.Now().Add(30*time.Second)), nil
	}, time.Minute)

	for i := 0; i < 3; i += 1 {
		_, err := tokenSource.Token(ctx)
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, 3, refreshCount)
}

func TestRefreshingTokenSourceFailure(t *testing.T) {
	ctx := context.Background()

	fail := false
	tokenSource := NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		if fail {
			return "", errors.New("signed out")
		}
		return testToken(t, "u1", time.Now().Add(30*time.Second)), nil
	}, time.Minute)

	_, err := tokenSource.Token(ctx)
	assert.Equal(t, nil, err)

	fail = true
	token, err := tokenSource.Token(ctx)
	assert.Equal(t, true, errors.Is(err, ErrAuthUnavailable))
	assert.Equal(t, "", token)

	// a refresh that returns an unusable token fails the same way
	tokenSource = NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		return "garbage", nil
	}, time.Minute)
	_, err = tokenSource.Token(ctx)
	assert.Equal(t, true, errors.Is(err, ErrAuthUnavailable))
}
