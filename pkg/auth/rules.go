// Package auth implements the gateway's security decision pipeline: path
// classification, the OIDC login and logout flows, bearer-JWT verification
// for API clients and the principal projection endpoint.
package auth

import (
	"strings"

	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/utils"
)

// Access is the classification outcome for a request path.
type Access int

const (
	// AccessAuthenticated requires an established principal.
	AccessAuthenticated Access = iota
	// AccessPublic lets the request through anonymously.
	AccessPublic
)

func (a Access) String() string {
	if a == AccessPublic {
		return "public"
	}
	return "authenticated"
}

// Classifier decides whether a request may proceed anonymously. Rules are
// evaluated in declaration order, first match wins; a path matching no rule
// requires authentication.
type Classifier struct {
	rules []config.AccessRule
}

// NewClassifier builds a classifier from the configured rule table.
func NewClassifier(rules []config.AccessRule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the access level for a method and path.
func (cl *Classifier) Classify(method, path string) Access {
	for _, rule := range cl.rules {
		if !methodAllowed(rule.Methods, method) {
			continue
		}
		// An invalid pattern matches nothing; validation rejects such
		// rules at startup.
		if ok, _ := utils.PathPatternMatch(rule.Pattern, path); ok {
			if strings.EqualFold(rule.Access, "public") {
				return AccessPublic
			}
			return AccessAuthenticated
		}
	}
	return AccessAuthenticated
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
