package preprocess

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/models"
)

// Authenticator validates inbound gateway credentials against the
// configured accepted values. Presented credentials may be plain or
// base64-encoded, with or without a Bearer/Basic prefix.
type Authenticator struct {
	accepted []string
}

// NewAuthenticator creates an authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{accepted: cfg.AcceptedTokens}
}

// Check validates a presented credential. It returns ErrAuth on any
// mismatch; the error never carries the presented value.
func (a *Authenticator) Check(credential string) error {
	if len(a.accepted) == 0 {
		// No tokens configured means the deployment runs behind a trusted
		// gateway; accept everything.
		return nil
	}

	for _, candidate := range candidates(credential) {
		for _, accepted := range a.accepted {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(accepted)) == 1 {
				return nil
			}
		}
	}
	return models.ErrAuth
}

// candidates expands a presented credential into the forms it may have been
// transmitted in: raw, prefix-stripped, and base64-decoded.
func candidates(credential string) []string {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil
	}

	out := []string{credential}
	for _, prefix := range []string{"Bearer ", "Basic ", "bearer ", "basic "} {
		if strings.HasPrefix(credential, prefix) {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(credential, prefix)))
		}
	}

	n := len(out)
	for i := 0; i < n; i++ {
		if decoded, err := base64.StdEncoding.DecodeString(out[i]); err == nil {
			out = append(out, string(decoded))
		}
	}
	return out
}
