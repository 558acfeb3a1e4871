//go:build !swagger

package httpapi

import "github.com/go-chi/chi/v5"

// MountSwagger does nothing unless fleetd is built with -tags=swagger.
func MountSwagger(chi.Router) {}
