package users

import (
	"time"

	"github.com/jrsteele09/go-auth-compat/internal/utils"
)

// Well known keys in the user metadata bag.
const (
	MetaFullName  = "full_name"
	MetaName      = "name"
	MetaAvatarURL = "avatar_url"
	MetaPicture   = "picture"
)

// Identity is an external account linked to a User.
type Identity struct {
	ID           string         `json:"id"`                        // Provider specific account id
	IdentityID   string         `json:"identity_id"`               // Unique id of the link itself
	UserID       string         `json:"user_id"`                   // Owning user
	Provider     string         `json:"provider"`                  // e.g. "google", "github", "email"
	IdentityData map[string]any `json:"identity_data,omitempty"`   // Raw profile data from the provider
	CreatedAt    *time.Time     `json:"created_at,omitempty"`      // When the identity was linked
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`      // Last update of the link
	LastSignInAt *time.Time     `json:"last_sign_in_at,omitempty"` // Last sign in through this identity
}

// User is the normalized principal shared by every backend adapter.
type User struct {
	ID               string         `json:"id"`                           // Stable identifier
	Aud              string         `json:"aud"`                          // Audience, "authenticated" for signed in users
	Role             string         `json:"role,omitempty"`               // Role claim
	Email            string         `json:"email"`                        // Primary email, empty when the backend has none
	Phone            string         `json:"phone,omitempty"`              // Phone number, unused by the current backends
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"` // When the email was verified
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`       // When the account was confirmed
	LastSignInAt     *time.Time     `json:"last_sign_in_at,omitempty"`    // Last successful sign in
	CreatedAt        time.Time      `json:"created_at"`                   // Creation timestamp
	UpdatedAt        time.Time      `json:"updated_at"`                   // Last update timestamp
	UserMetadata     map[string]any `json:"user_metadata"`                // Profile fields merged with custom fields
	AppMetadata      map[string]any `json:"app_metadata"`                 // Read-only backend data (provider, providers)
	Identities       []Identity     `json:"identities"`                   // Linked external accounts, never nil
}

// Profile holds the backend specific profile fields that end up in the metadata bag.
type Profile struct {
	FirstName string
	LastName  string
	FullName  string
	AvatarURL string
}

// DisplayName returns the best available full name.
func (p Profile) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}

// MergeMetadata combines profile fields with arbitrary custom fields. Custom fields win on
// collision so a caller can always override what the backend reported.
func MergeMetadata(profile Profile, custom map[string]any) map[string]any {
	merged := make(map[string]any, len(custom)+3)
	if name := profile.DisplayName(); name != "" {
		merged[MetaFullName] = name
		merged[MetaName] = name
	}
	if profile.AvatarURL != "" {
		merged[MetaAvatarURL] = profile.AvatarURL
		merged[MetaPicture] = profile.AvatarURL
	}
	for k, v := range custom {
		merged[k] = v
	}
	return merged
}

// AppMetadata builds the read-only metadata bag from the identities list.
func AppMetadata(primaryProvider string, identities []Identity) map[string]any {
	providers := make([]any, 0, len(identities)+1)
	seen := map[string]struct{}{}
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		providers = append(providers, p)
	}
	add(primaryProvider)
	for _, id := range identities {
		add(id.Provider)
	}
	return map[string]any{
		"provider":  primaryProvider,
		"providers": providers,
	}
}

// Providers returns the provider names recorded in AppMetadata.
func (u *User) Providers() []string {
	if u == nil || u.AppMetadata == nil {
		return nil
	}
	raw, ok := u.AppMetadata["providers"].([]any)
	if !ok {
		return nil
	}
	return utils.ToStringSlice(raw)
}

// Normalize fills the collections that must never be nil after decoding.
func (u *User) Normalize() *User {
	if u == nil {
		return nil
	}
	if u.UserMetadata == nil {
		u.UserMetadata = map[string]any{}
	}
	if u.AppMetadata == nil {
		u.AppMetadata = map[string]any{}
	}
	if u.Identities == nil {
		u.Identities = []Identity{}
	}
	if u.Aud == "" {
		u.Aud = "authenticated"
	}
	if u.Role == "" {
		u.Role = "authenticated"
	}
	return u
}

// Clone returns a deep enough copy for handing out to callers.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.UserMetadata = utils.CopyMap(u.UserMetadata)
	c.AppMetadata = utils.CopyMap(u.AppMetadata)
	c.Identities = append([]Identity{}, u.Identities...)
	return &c
}

// FindIdentity returns the identity with the given identity id or provider account id.
func (u *User) FindIdentity(id string) *Identity {
	if u == nil {
		return nil
	}
	for i := range u.Identities {
		if u.Identities[i].IdentityID == id || u.Identities[i].ID == id {
			return &u.Identities[i]
		}
	}
	return nil
}
