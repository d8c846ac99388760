package transport

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCredentials(t *testing.T) {
	creds := Credentials{Identity: "admin", Secret: "s3cret"}
	now := time.Now()

	token, err := creds.Token(now)
	assert.Equal(t, err, nil)
	assert.Equal(t, creds.Verify(token), nil)

	wrongSecret := Credentials{Identity: "admin", Secret: "other"}
	assert.NotEqual(t, wrongSecret.Verify(token), nil)

	wrongIdentity := Credentials{Identity: "guest", Secret: "s3cret"}
	assert.NotEqual(t, wrongIdentity.Verify(token), nil)

	expired, err := creds.Token(now.Add(-2 * TokenLifetime))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, creds.Verify(expired), nil)

	assert.NotEqual(t, creds.Verify("not-a-token"), nil)
}

func TestBearerToken(t *testing.T) {
	creds := Credentials{Identity: "admin", Secret: "s3cret"}
	h, err := creds.Header(time.Now())
	assert.Equal(t, err, nil)

	r := httptest.NewRequest("GET", "/sync", nil)
	_, ok := BearerToken(r)
	assert.Equal(t, ok, false)

	r.Header = h
	token, ok := BearerToken(r)
	assert.Equal(t, ok, true)
	assert.Equal(t, creds.Verify(token), nil)

	r.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(r)
	assert.Equal(t, ok, false)
}
