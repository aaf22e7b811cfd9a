// Package web serves the embedded login, registration and member pages.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
)

//go:embed dist/*
var content embed.FS

// ProtectedPages are only served through the protect middleware.
var ProtectedPages = []string{"welcome.html", "projects.html"}

// Handler returns an http.Handler for the embedded pages. Requests for a
// page in ProtectedPages pass through protect first; "/" redirects to the
// welcome page.
func Handler(protect func(http.Handler) http.Handler) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	for _, p := range ProtectedPages {
		if _, err := fs.Stat(fsys, p); err != nil {
			return nil, fmt.Errorf("embedded page %s: %w", p, err)
		}
	}

	static := http.FileServer(http.FS(fsys))
	gated := static
	if protect != nil {
		gated = protect(static)
	}
	protected := make(map[string]bool, len(ProtectedPages))
	for _, p := range ProtectedPages {
		protected[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)[1:]
		switch {
		case name == "":
			http.Redirect(w, r, "/welcome.html", http.StatusSeeOther)
		case protected[name]:
			w.Header().Set("Cache-Control", "no-store")
			gated.ServeHTTP(w, r)
		default:
			if _, err := fs.Stat(fsys, name); err != nil {
				http.NotFound(w, r)
				return
			}
			static.ServeHTTP(w, r)
		}
	}), nil
}
