package hosted

import (
	"time"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/internal/utils"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/pkg/errors"
)

const providerEmail = "email"

func toIdentity(p Provider, userID string) users.Identity {
	data := map[string]any{
		"sub":      p.ProviderSubject,
		"provider": p.ProviderType,
	}
	if p.Email != "" {
		data["email"] = p.Email
	}
	if p.ProfilePictureURL != "" {
		data[users.MetaAvatarURL] = p.ProfilePictureURL
	}
	return users.Identity{
		ID:           p.ProviderSubject,
		IdentityID:   p.RegistrationID,
		UserID:       userID,
		Provider:     p.ProviderType,
		IdentityData: data,
		CreatedAt:    utils.TimePtr(p.CreatedAt),
		UpdatedAt:    utils.TimePtr(p.UpdatedAt),
	}
}

// toUser maps a hosted user onto the common shape. Profile names and the first provider picture
// become metadata; untrusted metadata is carried as custom fields.
func toUser(u *User) *users.User {
	if u == nil {
		return nil
	}
	out := &users.User{
		ID:           u.UserID,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastSignInAt: u.LastSignInAt,
	}
	if email, ok := u.PrimaryEmail(); ok {
		out.Email = email.Email
		if email.Verified {
			out.EmailConfirmedAt = utils.TimePtr(u.CreatedAt)
			out.ConfirmedAt = out.EmailConfirmedAt
		}
	}

	profile := users.Profile{FirstName: u.Name.FirstName, LastName: u.Name.LastName}
	for _, p := range u.Providers {
		out.Identities = append(out.Identities, toIdentity(p, u.UserID))
		if profile.AvatarURL == "" {
			profile.AvatarURL = p.ProfilePictureURL
		}
	}
	out.UserMetadata = users.MergeMetadata(profile, u.UntrustedMetadata)

	primary := providerEmail
	if !u.PasswordSet && len(u.Providers) > 0 {
		primary = u.Providers[0].ProviderType
	}
	out.AppMetadata = users.AppMetadata(primary, out.Identities)
	for k, v := range u.TrustedMetadata {
		if _, taken := out.AppMetadata[k]; !taken {
			out.AppMetadata[k] = v
		}
	}
	return out.Normalize()
}

// toSession builds a session from an auth result. The session JWT is the access token and the
// opaque session token is the refresh token.
func toSession(res *AuthResult, now time.Time) (*sessions.Session, error) {
	if res == nil || res.SessionToken == "" {
		return nil, nil
	}
	access := res.SessionJWT
	if access == "" {
		access = res.SessionToken
	}
	var expiresAt int64
	if exp, err := sessions.TokenExpiry(access); err == nil {
		expiresAt = exp.Unix()
	} else if res.Session != nil {
		expiresAt = res.Session.ExpiresAt.Unix()
	}

	s := sessions.New(access, res.SessionToken, expiresAt, toUser(&res.User), now)
	if err := sessions.CheckSubject(s); err != nil {
		return nil, err
	}
	if res.UserID != "" && res.UserID != s.User.ID {
		return nil, errors.Wrapf(ierrors.ErrSubjectClash, "response user %q", res.UserID)
	}
	return s, nil
}
