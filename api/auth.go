package api

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// HeaderUserID carries an explicit user id on REST requests.
const HeaderUserID = "x-user-id"

// HeaderAPIKey authenticates GraphQL requests with a static key.
const HeaderAPIKey = "x-api-key"

var errBadAPIKey = errors.New("invalid api key")

// Auth resolves user identity from request headers. There is no real
// enforcement: requests without a user header act as the stand-in user.
type Auth struct {
	defaultUserID string
	apiKey        string
}

// NewAuth creates an Auth with the given stand-in user id and optional
// static API key. An empty key disables the GraphQL key check.
func NewAuth(defaultUserID, apiKey string) *Auth {
	return &Auth{defaultUserID: defaultUserID, apiKey: apiKey}
}

func (a *Auth) UserID(header string) string {
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	return a.defaultUserID
}

func (a *Auth) CheckAPIKey(key string) error {
	if a.apiKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
		return errBadAPIKey
	}
	return nil
}
