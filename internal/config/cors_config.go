package config

import "strings"

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
}

// AllowedOrigins are the host patterns the broadcast relay accepts cross origin connections from.
type AllowedOrigins []string

func (a AllowedOrigins) String() string {
	return strings.Join(a, ", ")
}

func (c *Values) GetAllowedOrigins() AllowedOrigins {
	origins := make(AllowedOrigins, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
