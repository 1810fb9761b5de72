// Package web embeds the captive portal page (portal/) and provides an HTTP
// handler that serves it.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:portal
var portalFS embed.FS

// PortalHandler returns an http.Handler that serves the embedded portal.
// Unknown paths fall back to index.html so that captive portal probes
// (e.g. /generate_204, /hotspot-detect.html) land on the access page.
func PortalHandler() http.Handler {
	subFS, err := fs.Sub(portalFS, "portal")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := subFS.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close embedded file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
