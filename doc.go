// Package relayd is an HTTP/1.x reverse proxy built around a connection
// oriented forwarding core. Client connections are parsed incrementally and
// their requests are multiplexed onto a fixed pool of persistent backend
// connections. Responses are returned to each client in request order, and
// requests caught by a failing backend connection are replayed elsewhere
// when that is safe.
//
// # Running a server
//
// A Config names the client listener, the backend server groups and the
// locations that route requests to them.
//
//	cfg := relayd.Config{
//	    Listen: ":8080",
//	    Groups: []relayd.GroupConfig{
//	        {Name: "app", Servers: []string{"10.0.0.10:8000", "10.0.0.11:8000"}},
//	    },
//	    MaxAge:     30 * time.Second,
//	    MaxRetries: 3,
//	}
//	srv, err := relayd.NewServer(cfg, relayd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("relayd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same and waits until the listeners are up, which is
// handy in tests.
//
// # Forwarding and retries
//
// Every backend connection owns a forwarding queue. A request that has been
// sent but not yet answered stays queued until its response arrives. When
// the connection fails, idempotent requests whose retry budget and age
// allow it are rescheduled onto another connection of their server group;
// the others are answered with 502. Only GET, HEAD, OPTIONS, PROPFIND and
// TRACE count as idempotent, unless a location marks them otherwise; other
// requests are retried only when Config.RetryNonIdempotent is set.
//
// Each client connection owns a sequencing queue: responses may arrive out
// of order from different backends but are transmitted in request order.
//
// # Failure handling
//
// Config.OnError and Config.OnAttack choose between answering a failed
// request with an error page ("reply") and closing the client connection
// without an answer ("drop"). Error page bodies may be customised per status
// or per class ("4*", "5*") through Config.ResponseBodies; the files are
// watched and reloaded when they change.
//
// # Observability
//
// Logs are structured pslog events. When Config.MetricsListen is set the
// server exposes Prometheus metrics on /metrics and a JSON connection
// report on /status. Config.OTLPEndpoint enables OTLP trace export over gRPC
// or HTTP.
package relayd
