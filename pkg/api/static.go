package api

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
)

// cacheControlWriter sets Cache-Control based on the request path before
// the first byte of the response is written.
type cacheControlWriter struct {
	http.ResponseWriter
	path        string
	wroteHeader bool
}

func (w *cacheControlWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		switch {
		case strings.HasSuffix(w.path, ".html") || w.path == "/":
			// Always revalidate the page itself.
			w.Header().Set("Cache-Control", "no-cache, must-revalidate")
		default:
			w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *cacheControlWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// ServeStatic serves the public landing page and its assets. Paths that do
// not map to a file fall through with a 404; unknown paths are already
// handled by the access policy before this runs.
func ServeStatic(urlPrefix, dir string) gin.HandlerFunc {
	directory := static.LocalFile(dir, true)
	fileserver := http.FileServer(directory)
	if urlPrefix != "" {
		fileserver = http.StripPrefix(urlPrefix, fileserver)
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !directory.Exists(urlPrefix, path) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		ccWriter := &cacheControlWriter{ResponseWriter: c.Writer, path: path}
		fileserver.ServeHTTP(ccWriter, c.Request)
		c.Abort()
	}
}
