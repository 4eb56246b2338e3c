// Package auth mints Authorization header values for `auth` hook
// actions: Bearer and Basic headers directly, OAuth2 access tokens via
// the client-credentials grant.
package auth

import (
	"context"
	"encoding/base64"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/flowtestlabs/flowtest/internal/errs"
	"github.com/flowtestlabs/flowtest/internal/model"
)

// Header resolves spec to a complete Authorization header value, e.g.
// "Bearer <token>" or "Basic <base64>". Fields must already be
// interpolated; the hook runner resolves {{...}} placeholders before
// calling in. The oauth2 flow performs a token-endpoint round trip and
// honors ctx for cancellation.
func Header(ctx context.Context, spec model.AuthSpec) (string, error) {
	switch spec.Flow {
	case "bearer":
		if spec.Token == "" {
			return "", errs.New(errs.KindConfiguration, errs.CodeMissingField,
				"auth: bearer flow requires token", nil)
		}
		return "Bearer " + spec.Token, nil

	case "basic":
		if spec.Username == "" {
			return "", errs.New(errs.KindConfiguration, errs.CodeMissingField,
				"auth: basic flow requires username", nil)
		}
		cred := base64.StdEncoding.EncodeToString([]byte(spec.Username + ":" + spec.Password))
		return "Basic " + cred, nil

	case "oauth2":
		if spec.TokenURL == "" || spec.ClientID == "" {
			return "", errs.New(errs.KindConfiguration, errs.CodeMissingField,
				"auth: oauth2 flow requires token_url and client_id", nil)
		}
		cfg := clientcredentials.Config{
			TokenURL:     spec.TokenURL,
			ClientID:     spec.ClientID,
			ClientSecret: spec.ClientSecret,
			Scopes:       spec.Scopes,
		}
		tok, err := cfg.Token(ctx)
		if err != nil {
			return "", errs.New(errs.KindLifecycle, errs.CodeHookValidationFailed,
				"auth: oauth2 token request failed", err)
		}
		return "Bearer " + tok.AccessToken, nil

	default:
		return "", errs.New(errs.KindConfiguration, errs.CodeSchemaViolation,
			"auth: unknown flow "+spec.Flow, nil)
	}
}
