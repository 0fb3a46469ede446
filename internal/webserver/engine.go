package webserver

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mdouchement/chunkvault/internal/chunkstore"
	"github.com/mdouchement/chunkvault/internal/database"
	"github.com/mdouchement/chunkvault/internal/registry"
	"github.com/mdouchement/chunkvault/internal/storage"
	middlewarepkg "github.com/mdouchement/chunkvault/internal/webserver/middleware"
	"github.com/mdouchement/chunkvault/internal/webserver/service"
	"github.com/mdouchement/logger"
)

const streamPath = "/v1/objects/:object"

// A Controller is an Iversion Of Control pattern used to init the server package.
type Controller struct {
	Version  string
	Logger   logger.Logger
	Database database.Client
	Storage  storage.Backend
	//
	Window       int64
	MaxChunkSize int64
}

// EchoEngine instantiates the wep server.
func EchoEngine(ctrl Controller) *echo.Echo {
	engine := echo.New()
	engine.Use(middleware.Recover())
	engine.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			// Streams are already served chunk by chunk with an exact Content-Length.
			return c.Request().Method == http.MethodHead || c.Path() == streamPath
		},
	}))
	engine.Use(middlewarepkg.Logger(ctrl.Logger))

	engine.HTTPErrorHandler = middlewarepkg.NewHTTPErrorHandler(ctrl.Logger)

	engine.Pre(middleware.Rewrite(map[string]string{
		"/": "/version",
	}))

	//
	//
	//

	router := engine.Group("")

	// Generic handlers
	//
	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})

	// Objects
	//
	reg := registry.New(ctrl.Database)
	store := chunkstore.New(ctrl.Logger, ctrl.Database, ctrl.Storage)
	object := object{
		logger:      ctrl.Logger,
		registry:    reg,
		store:       store,
		coordinator: service.NewCoordinator(ctrl.Logger, reg, store),
		streamer:    service.NewStreamer(ctrl.Logger, reg, store, ctrl.Window),
	}

	objects := router.Group("/v1/objects")

	limit := middleware.BodyLimit(strconv.FormatInt(ctrl.MaxChunkSize, 10) + "B")
	if ctrl.MaxChunkSize <= 0 {
		limit = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	objects.PUT("/:object/chunks/:index", object.Ingest, limit)
	objects.GET("/:object/chunks", object.Resume)
	objects.POST("/:object/finalize", object.Finalize)
	objects.GET("/:object/meta", object.Meta)

	objects.HEAD("/:object", object.Show, middlewarepkg.NoCache())
	objects.GET("/:object", object.Download, middlewarepkg.NoCache())
	objects.DELETE("/:object", object.Delete)

	return engine
}

// PrintRoutes prints the Echo engin exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
