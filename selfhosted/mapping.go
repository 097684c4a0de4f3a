package selfhosted

import (
	"time"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/internal/utils"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/pkg/errors"
)

const (
	providerEmail      = "email"
	providerCredential = "credential"
)

func toIdentity(a Account) users.Identity {
	provider := a.ProviderID
	if provider == providerCredential {
		provider = providerEmail
	}
	return users.Identity{
		ID:         a.AccountID,
		IdentityID: a.ID,
		UserID:     a.UserID,
		Provider:   provider,
		IdentityData: map[string]any{
			"sub":      a.AccountID,
			"provider": provider,
			"scopes":   a.Scopes,
		},
		CreatedAt: utils.TimePtr(a.CreatedAt),
		UpdatedAt: utils.TimePtr(a.UpdatedAt),
	}
}

func toUser(u *User) *users.User {
	if u == nil {
		return nil
	}
	out := &users.User{
		ID:        u.ID,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
	if u.EmailVerified {
		out.EmailConfirmedAt = utils.TimePtr(u.UpdatedAt)
		out.ConfirmedAt = out.EmailConfirmedAt
	}
	out.UserMetadata = users.MergeMetadata(users.Profile{FullName: u.Name, AvatarURL: u.Image}, u.Extra)
	out.AppMetadata = users.AppMetadata(providerEmail, nil)
	return out.Normalize()
}

// toSession uses the JWT header as the access token when present and the session token otherwise.
func toSession(res *SessionResult, now time.Time) (*sessions.Session, error) {
	if res == nil || res.Session.Token == "" {
		return nil, nil
	}
	access := res.JWT
	if access == "" {
		access = res.Session.Token
	}
	var expiresAt int64
	if exp, err := sessions.TokenExpiry(access); err == nil {
		expiresAt = exp.Unix()
	} else {
		expiresAt = res.Session.ExpiresAt.Unix()
	}

	s := sessions.New(access, res.Session.Token, expiresAt, toUser(res.User), now)
	if err := sessions.CheckSubject(s); err != nil {
		return nil, err
	}
	if res.Session.UserID != "" && s.User != nil && res.Session.UserID != s.User.ID {
		return nil, errors.Wrapf(ierrors.ErrSubjectClash, "session user %q", res.Session.UserID)
	}
	return s, nil
}
