package proxy

import (
	"github.com/gin-gonic/gin"
)

// FallbackController exposes the catalog fallback endpoint directly, so the
// degraded response contract stays reachable for clients that were
// redirected to it.
type FallbackController struct{}

// NewFallbackController creates the fallback controller.
func NewFallbackController() *FallbackController {
	return &FallbackController{}
}

func (f *FallbackController) BasePath() string {
	return "/"
}

func (f *FallbackController) Handlers() []gin.HandlerFunc {
	return nil
}

func (f *FallbackController) Register(rg *gin.RouterGroup) error {
	rg.GET("catalog-fallback", f.serve)
	rg.POST("catalog-fallback", f.serve)
	return nil
}

func (f *FallbackController) serve(c *gin.Context) {
	ServeDegraded(c)
}
