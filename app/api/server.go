package api

import (
	"net/http"

	"github.com/votewave/votewave/app/api/controller"
	"github.com/votewave/votewave/app/api/types"
	"github.com/votewave/votewave/pkg/utils"
	"go.uber.org/zap"
)

// NewServer wires the router into the app's HTTP server.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router := ctler.NewRouter()

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
