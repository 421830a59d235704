package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/audit"
	"github.com/polarbookshop/edge-gateway/pkg/config"
	"github.com/polarbookshop/edge-gateway/pkg/csrf"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
	"github.com/polarbookshop/edge-gateway/pkg/session"
)

// loginAttemptMaxAge bounds how long a dangling authorization-code flow is
// honored before the callback is rejected.
const loginAttemptMaxAge = 10 * time.Minute

// Authenticator drives the OIDC authorization-code flow against the
// configured identity provider and orchestrates RP-initiated logout.
type Authenticator struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier

	endSession         string
	postLogoutRedirect string
	callbackPath       string

	httpClient *http.Client

	store      *session.Store
	guard      *csrf.Guard
	rotateCSRF bool
	trail      *audit.Trail
	log        *zap.SugaredLogger
}

// AuthenticatorConfig wires the authenticator's collaborators.
type AuthenticatorConfig struct {
	OIDC    config.OIDC
	BaseURL string
	// RotateCSRF regenerates the session's CSRF token on login.
	RotateCSRF bool
	Store      *session.Store
	Guard      *csrf.Guard
	Trail      *audit.Trail
	Log        *zap.SugaredLogger
}

var (
	// errAborted signals that a response was already written inside a
	// serialized login section.
	errAborted = fmt.Errorf("login flow aborted")

	errNoIDToken = fmt.Errorf("token response carried no id_token")
)

// NewAuthenticator discovers the provider's endpoints from the issuer and
// builds the flow handler. Discovery happens once at startup; the gateway
// refuses to start when the provider is unreachable.
func NewAuthenticator(ctx context.Context, cfg AuthenticatorConfig) (*Authenticator, error) {
	httpClient, err := providerHTTPClient(cfg.OIDC, cfg.Log)
	if err != nil {
		return nil, err
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.OIDC.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", cfg.OIDC.Issuer, err)
	}

	// end_session_endpoint is not part of the core discovery struct.
	var discovered struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&discovered); err != nil {
		cfg.Log.Debugw("could not read extra provider claims", "error", err)
	}
	endSession := cfg.OIDC.EndSessionEndpoint
	if endSession == "" {
		endSession = discovered.EndSessionEndpoint
	}

	postLogout := cfg.OIDC.PostLogoutRedirectURI
	if postLogout == "" {
		postLogout = cfg.BaseURL
	}

	redirect, err := url.Parse(cfg.OIDC.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI %q: %w", cfg.OIDC.RedirectURI, err)
	}

	return &Authenticator{
		oauth: oauth2.Config{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDC.RedirectURI,
			Scopes:       cfg.OIDC.Scopes,
		},
		verifier:           provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
		endSession:         endSession,
		postLogoutRedirect: postLogout,
		callbackPath:       redirect.Path,
		httpClient:         httpClient,
		store:              cfg.Store,
		guard:              cfg.Guard,
		rotateCSRF:         cfg.RotateCSRF,
		trail:              cfg.Trail,
		log:                cfg.Log,
	}, nil
}

// CallbackPath is the local path the provider redirects back to.
func (a *Authenticator) CallbackPath() string {
	return a.callbackPath
}

// RedirectToLogin starts an authorization-code flow for the request's
// session and sends the browser to the provider's authorization endpoint.
func (a *Authenticator) RedirectToLogin(c *gin.Context, sess *session.Session) {
	state := uuid.NewString()
	sess.BeginLogin(state, originalURI(c))

	metrics.LoginStarted.Inc()
	a.trail.LoginStarted(c)
	a.log.Debugw("starting authorization-code flow",
		"session_id", sess.ID(),
		"original_uri", originalURI(c))

	c.Redirect(http.StatusFound, a.oauth.AuthCodeURL(state))
	c.Abort()
}

// HandleCallback completes the authorization-code flow: it validates the
// round-tripped state, exchanges the code, verifies the ID token and only
// then promotes the session. Concurrent callbacks on one session are
// serialized; the loser finds the login attempt already consumed.
func (a *Authenticator) HandleCallback(c *gin.Context) {
	sess, ok := session.FromContext(c)
	if !ok {
		apiresponses.RespondForbidden(c, "no session for login callback")
		return
	}

	err := sess.SerializeLogin(func() error {
		attempt := sess.TakeLogin()
		if attempt == nil || time.Since(attempt.StartedAt) > loginAttemptMaxAge {
			metrics.LoginFailed.WithLabelValues("state").Inc()
			a.trail.LoginFailed(c, "state", nil)
			apiresponses.RespondForbidden(c, "no login in progress")
			return errAborted
		}
		if state := c.Query("state"); state == "" || state != attempt.State {
			metrics.LoginFailed.WithLabelValues("state").Inc()
			a.trail.LoginFailed(c, "state", nil)
			apiresponses.RespondForbidden(c, "state mismatch")
			return errAborted
		}
		if errParam := c.Query("error"); errParam != "" {
			metrics.LoginFailed.WithLabelValues("provider").Inc()
			a.trail.LoginFailed(c, "provider", fmt.Errorf("%s", errParam))
			apiresponses.RespondForbidden(c, "authorization denied by provider")
			return errAborted
		}

		ctx := oidc.ClientContext(c.Request.Context(), a.httpClient)
		token, err := a.oauth.Exchange(ctx, c.Query("code"))
		if err != nil {
			metrics.LoginFailed.WithLabelValues("exchange").Inc()
			a.trail.LoginFailed(c, "exchange", err)
			// No session state was touched; the browser can retry the
			// whole flow.
			a.log.Warnw("token exchange failed", "error", err)
			apiresponses.RespondBadGateway(c, "identity provider unavailable")
			return errAborted
		}

		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			metrics.LoginFailed.WithLabelValues("verify").Inc()
			a.trail.LoginFailed(c, "verify", errNoIDToken)
			apiresponses.RespondBadGateway(c, "identity provider returned no ID token")
			return errAborted
		}

		idToken, err := a.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			metrics.LoginFailed.WithLabelValues("verify").Inc()
			a.trail.LoginFailed(c, "verify", err)
			a.log.Warnw("ID token verification failed", "error", err)
			apiresponses.RespondUnauthorized(c)
			c.Abort()
			return errAborted
		}

		claims := map[string]interface{}{}
		if err := idToken.Claims(&claims); err != nil {
			metrics.LoginFailed.WithLabelValues("verify").Inc()
			a.trail.LoginFailed(c, "verify", err)
			apiresponses.RespondUnauthorized(c)
			c.Abort()
			return errAborted
		}

		sess.Promote(idToken.Subject, rawIDToken, claims)

		// Fresh session id after authentication; the pre-login id is dead.
		fresh := a.store.Rotate(sess)
		session.Attach(c, fresh)
		a.store.SetCookie(c, fresh)
		if a.rotateCSRF {
			a.guard.Rotate(c, fresh)
		}

		principal := PrincipalFromClaims(claims)
		metrics.LoginCompleted.Inc()
		a.trail.LoginSucceeded(c, principal.Username)
		a.log.Infow("login completed",
			"subject", idToken.Subject,
			"username", principal.Username)

		target := attempt.OriginalURI
		if target == "" || !strings.HasPrefix(target, "/") {
			target = "/"
		}
		c.Redirect(http.StatusFound, target)
		return nil
	})
	_ = err
}

// HandleLogout tears down the session and sends the browser to the
// provider's end-session endpoint. Local invalidation happens before the
// redirect is issued: failing to reach the provider never leaves a locally
// logged-in session behind.
func (a *Authenticator) HandleLogout(c *gin.Context) {
	sess, ok := session.FromContext(c)
	if !ok || !sess.Authenticated() {
		a.trail.AccessDenied(c)
		apiresponses.RespondForbidden(c, "not authenticated")
		return
	}

	rawIDToken := sess.RawIDToken()
	a.store.Invalidate(sess.ID(), session.ReasonLogout)
	a.store.ClearCookie(c)

	metrics.Logouts.Inc()
	a.trail.LogoutCompleted(c)
	a.log.Infow("logout completed", "subject", sess.Subject())

	c.Redirect(http.StatusFound, a.endSessionURL(rawIDToken))
}

// endSessionURL builds the provider's front-channel logout URL. Without a
// configured or discovered end-session endpoint, the browser is sent back
// to the gateway and only the local session ends.
func (a *Authenticator) endSessionURL(rawIDToken string) string {
	if a.endSession == "" {
		return a.postLogoutRedirect
	}

	q := url.Values{}
	if rawIDToken != "" {
		q.Set("id_token_hint", rawIDToken)
	}
	q.Set("post_logout_redirect_uri", a.postLogoutRedirect)
	return a.endSession + "?" + q.Encode()
}

func originalURI(c *gin.Context) string {
	uri := c.Request.RequestURI
	if uri == "" {
		uri = c.Request.URL.Path
	}
	return uri
}

// providerHTTPClient returns the HTTP client used for all provider traffic,
// honoring the configured CA bundle. Same trust rules as the JWKS fetch.
func providerHTTPClient(cfg config.OIDC, log *zap.SugaredLogger) (*http.Client, error) {
	if cfg.CertificateAuthority != "" {
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM([]byte(cfg.CertificateAuthority)); !ok {
			return nil, fmt.Errorf("could not parse certificateAuthority PEM from configuration")
		}
		transport := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}
		return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
	}
	if cfg.InsecureSkipVerify {
		log.Warn("oidc.insecureSkipVerify=true: TLS certificate verification is DISABLED (dev/e2e only)")
		transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // dev/e2e only
		return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
	}
	return &http.Client{Timeout: 30 * time.Second}, nil
}
