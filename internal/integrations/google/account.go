package google

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"flowdeck/backend/internal/fault"
)

// AccountEmail returns the email address of the Google account that granted
// token. It is used to name credentials created by the consent callback.
func AccountEmail(ctx context.Context, token *oauth2.Token, opts ...option.ClientOption) (string, error) {
	all := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, opts...)
	svc, err := googleoauth2.NewService(ctx, all...)
	if err != nil {
		return "", fmt.Errorf("failed to create oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", classify("userinfo", err)
	}
	if info.Email == "" {
		return "", fault.Permanent("google account has no email address", nil)
	}
	return info.Email, nil
}
