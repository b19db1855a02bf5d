// Package officeconvert converts office documents to PDF through a pool of
// single-engine conversion servers.
//
// # Servers
//
// Each server (cmd/officeconvert-server) owns exactly one rendering engine.
// The engine cannot run two conversions at once, so every request is placed
// on a FIFO queue and executed by a single worker. The wire API is:
//
//	GET  /status             {"is_busy": bool}
//	GET  /office-version     {"major", "minor", "build_id"} or 404
//	GET  /supported-formats  [{"name", "mime"}] or 404
//	POST /convert            multipart field "file", replies with the PDF
//	POST /collect-garbage    queued behind pending conversions, replies 200
//
// Errors carry a JSON body {"reason": string, "backtrace": string|null}.
//
// # Clients
//
// Client talks to one server:
//
//	c, err := officeconvert.NewClient("http://127.0.0.1:3000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pdf, err := c.Convert(ctx, document)
//
// LoadBalancer spreads work over several servers. It sends each request to
// an idle server, waits with capped exponential backoff when all of them are
// busy, and retries another server when one cannot be reached:
//
//	lb := officeconvert.NewLoadBalancer([]officeconvert.Backend{c1, c2},
//	    officeconvert.WithWaitBudget(time.Minute),
//	)
//	pdf, err := lb.Convert(ctx, document)
//
// # Errors
//
// All failures match one of the sentinel errors with errors.Is:
// ErrInvalidInput and ErrUnsupported are final, ErrEngineFailure is reported
// as is, and ErrBackendUnreachable or ErrResourceUnavailable are retried on
// other servers before the LoadBalancer gives up.
package officeconvert
