package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
)

// Identity is the result of a successful token verification.
type Identity struct {
	UserId string
	Nick   string
}

// Authenticate verifies the given OIDC ID token against the configured
// provider and returns the verified identity. It returns nil without error
// when no token was supplied or no matching provider is configured, the
// caller then treats the connection as a guest.
// The user id is taken from the "email" claim, the nick from
// "preferred_username" falling back to "name".
func Authenticate(ctx context.Context, idToken, providerName string, cfg *config.Config) (*Identity, error) {
	if idToken == "" || len(cfg.OIDCConfigs) == 0 {
		return nil, nil
	}
	var oidcConf *config.OIDCConfig
	for i := range cfg.OIDCConfigs {
		if cfg.OIDCConfigs[i].Name == providerName {
			oidcConf = &cfg.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", providerName)
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verified, err := provider.Verifier(&conf).Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Warn("id token verification failed", "provider", providerName, "error", err)
		return nil, err
	}
	claims := struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}{}
	if err := verified.Claims(&claims); err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, nil
	}
	id := &Identity{UserId: claims.Email, Nick: claims.PreferredUsername}
	if id.Nick == "" {
		id.Nick = claims.Name
	}
	return id, nil
}
