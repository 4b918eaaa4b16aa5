package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Everything lives below the root path.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	if root := a.Config.Server.RootPath; root != "" {
		r.Route(root, a.mount)
	} else {
		a.mount(r)
	}
	return r
}

func (a *App) mount(r chi.Router) {
	root := a.Config.Server.RootPath

	if a.Provider != nil {
		r.Get("/oauth_handshake", a.handleHandshake)
		r.Get("/oauth_callback", a.handleCallback)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.gate.Wrap)

		r.Get("/", a.handleRoot)
		for _, name := range a.Config.Server.Routes {
			r.Get("/"+name, redirectTo(root+"/"+name+"/"))
			r.Get("/"+name+"/", redirectTo(root+"/"+name+"/session/1"))
		}
		r.Handle("/*", a.Proxy)
	})
}
