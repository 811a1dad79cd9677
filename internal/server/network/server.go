package network

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burrowhq/burrow/pkg/protocol"
)

var gossipLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "burrow_gossip_lookups_total",
		Help: "Peer host lookups by outcome",
	},
	[]string{"outcome"},
)

// LocalLookup reports the client this instance serves a subdomain for
type LocalLookup func(host string) (protocol.ClientID, bool)

// NewApp builds the net-service HTTP app siblings query for host
// ownership. It also exposes the health check and Prometheus metrics.
func NewApp(lookup LocalLookup) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Burrow Net Service",
	})

	app.Get("/", func(c fiber.Ctx) error {
		host := c.Query("host")

		var resp HostQueryResponse
		if clientID, ok := lookup(host); ok {
			resp.ClientID = &clientID
		}
		return c.JSON(resp)
	})

	app.Get("/health_check", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return app
}
