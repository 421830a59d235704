package auth

// Principal is the read-only identity view derived from the ID-token claims.
// It is recomputed from the session's current claims on each access, never
// cached independently of the session it belongs to.
type Principal struct {
	Subject   string   `json:"-"`
	Username  string   `json:"username"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Roles     []string `json:"roles"`
}

// PrincipalFromClaims projects ID-token claims into a Principal. A missing
// roles claim yields an empty list, not null.
func PrincipalFromClaims(claims map[string]interface{}) Principal {
	p := Principal{
		Subject:   stringClaim(claims, "sub"),
		Username:  stringClaim(claims, "preferred_username"),
		FirstName: stringClaim(claims, "given_name"),
		LastName:  stringClaim(claims, "family_name"),
		Roles:     []string{},
	}

	if raw, ok := claims["roles"]; ok {
		switch roles := raw.(type) {
		case []interface{}:
			for _, v := range roles {
				if s, ok := v.(string); ok && s != "" {
					p.Roles = append(p.Roles, s)
				}
			}
		case []string:
			p.Roles = append(p.Roles, roles...)
		}
	}

	return p
}

func stringClaim(claims map[string]interface{}, name string) string {
	if v, ok := claims[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
