// coap-reliability-demo exercises the CoAP reliability layer.
//
// By default it runs a client and an observable temperature sensor over an
// in-memory pipe that loses datagrams, and reports how many requests and
// notifications made it through retransmission. With -listen it serves the
// sensor on a real UDP socket instead, and with -discover it finds such a
// server via mDNS and runs the client against it.
//
// Usage:
//
//	coap-reliability-demo [options]
//
// Options:
//
//	-listen          UDP address to serve on (default: in-memory pipe)
//	-advertise       Announce the endpoint via mDNS (requires -listen)
//	-discover        Find a sensor via mDNS and query it
//	-name            DNS-SD instance name (default: random / any sensor)
//	-drop            Pipe drop rate 0.0-1.0 (default: 0.3)
//	-dup             Pipe duplicate rate 0.0-1.0 (default: 0)
//	-requests        Number of GET requests (default: 10)
//	-notifications   Number of notifications (default: 5)
//	-ack-timeout     Initial ACK timeout (default: 200ms)
//	-max-retransmit  Retransmissions per message (default: 4)
//	-metrics         Address for the Prometheus /metrics endpoint
//	-verbose         Debug logging
//
// Example:
//
//	coap-reliability-demo -drop 0.5 -requests 20
//	coap-reliability-demo -listen :5683 -advertise -metrics :9090
//	coap-reliability-demo -discover -requests 5
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/coap/examples/common"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	opts := common.ParseFlags()
	if err := opts.Validate(); err != nil {
		log.Fatalf("Invalid options: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lf := common.NewLoggerFactory(opts.Verbose)
	reg := prometheus.NewRegistry()
	if opts.Metrics != "" {
		common.ServeMetrics(ctx, opts.Metrics, reg)
	}

	if opts.Listen != "" {
		if err := common.RunServer(ctx, opts, lf, reg, time.Second); err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return
	}

	if opts.Discover {
		resolver, err := discovery.NewResolver(discovery.ResolverConfig{})
		if err != nil {
			log.Fatalf("mDNS resolver: %v", err)
		}
		report, err := common.RunClient(ctx, opts, lf, reg, resolver, time.Second)
		if err != nil {
			log.Fatalf("Client error: %v", err)
		}
		fmt.Println(report)
		return
	}

	report, err := common.RunPipeDemo(ctx, opts, lf, reg)
	if err != nil {
		log.Fatalf("Demo error: %v", err)
	}
	fmt.Println(report)
}
