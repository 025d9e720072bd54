package integrations

import (
	"context"
	"fmt"

	"github.com/chxlky/orba/internal/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const ProviderGoogle = "google"

// GoogleOAuth runs the authorization code flow against Google and resolves
// the signed-in identity.
type GoogleOAuth struct {
	config *oauth2.Config
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *GoogleOAuth {
	return &GoogleOAuth{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{googleoauth.OpenIDScope, googleoauth.UserinfoEmailScope, googleoauth.UserinfoProfileScope},
		Endpoint:     google.Endpoint,
	}}
}

func (g *GoogleOAuth) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Profile exchanges the authorization code and fetches the user's profile.
func (g *GoogleOAuth) Profile(ctx context.Context, code string) (auth.OAuthProfile, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return auth.OAuthProfile{}, fmt.Errorf("exchange code: %w", err)
	}

	svc, err := googleoauth.NewService(ctx, option.WithTokenSource(g.config.TokenSource(ctx, token)))
	if err != nil {
		return auth.OAuthProfile{}, fmt.Errorf("create userinfo client: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return auth.OAuthProfile{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	return auth.OAuthProfile{
		Provider:          ProviderGoogle,
		ProviderAccountID: info.Id,
		Email:             info.Email,
		Name:              info.Name,
		Image:             info.Picture,
		EmailVerified:     info.VerifiedEmail != nil && *info.VerifiedEmail,
	}, nil
}
