package main

import (
	"net/http"

	"github.com/mcdev12/gavel/go/internal/config"
	"github.com/mcdev12/gavel/go/internal/viewserver"
)

func setupServer(cfg *config.Config, services *Services) *http.Server {
	server := viewserver.NewServer(
		cfg.ViewServer(),
		viewserver.FromRegistry(services.Registry),
		services.Registration,
		viewserver.WithPendingCounter(services.Pipeline),
	)
	return server.HTTPServer()
}
