package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/polarbookshop/edge-gateway/pkg/apiresponses"
	"github.com/polarbookshop/edge-gateway/pkg/metrics"
)

// UserController serves the principal projection endpoint.
type UserController struct {
	log *zap.SugaredLogger
}

// NewUserController creates the /user controller.
func NewUserController(log *zap.SugaredLogger) *UserController {
	return &UserController{log: log}
}

func (u *UserController) BasePath() string {
	return "/"
}

func (u *UserController) Handlers() []gin.HandlerFunc {
	return nil
}

func (u *UserController) Register(rg *gin.RouterGroup) error {
	rg.GET("user", u.getUser)
	return nil
}

// getUser projects the current identity-token claims. The projection is a
// view: a refreshed token is reflected on the next call without extra
// bookkeeping.
func (u *UserController) getUser(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		metrics.RequestsUnauthorized.Inc()
		apiresponses.RespondUnauthorized(c)
		return
	}
	c.JSON(http.StatusOK, principal)
}

// FlowController registers the OIDC protocol endpoints: the provider
// callback and the logout entry point.
type FlowController struct {
	authenticator *Authenticator
}

// NewFlowController creates the login/logout flow controller.
func NewFlowController(authenticator *Authenticator) *FlowController {
	return &FlowController{authenticator: authenticator}
}

func (f *FlowController) BasePath() string {
	return "/"
}

func (f *FlowController) Handlers() []gin.HandlerFunc {
	return nil
}

func (f *FlowController) Register(rg *gin.RouterGroup) error {
	rg.GET(f.authenticator.CallbackPath(), f.authenticator.HandleCallback)
	rg.POST("logout", f.authenticator.HandleLogout)
	return nil
}
