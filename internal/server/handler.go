package server

import (
	"net/http"

	"go.uber.org/fx"
)

// HttpHandler is a handler mounted on a ServeMux pattern, such as
// "POST /invoke/{channel}".
type HttpHandler struct {
	Name    string
	Handler http.Handler
}

type HttpHandlerResult struct {
	fx.Out

	Handler *HttpHandler `group:"handlers"`
}

func AsHttpHandler(
	pattern string,
	handler http.Handler,
) HttpHandlerResult {
	return HttpHandlerResult{
		Handler: &HttpHandler{
			Name:    pattern,
			Handler: handler,
		},
	}
}
