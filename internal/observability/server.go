package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
)

// Server is a background HTTP listener for the metrics endpoint or the
// snapshot feed.
type Server struct {
	name string
	srv  *http.Server
	ln   net.Listener
	log  logging.Logger
	done chan struct{}
}

// Serve binds addr and serves handler until Shutdown. Binding happens
// before Serve returns so ":0" callers can read Addr immediately.
func Serve(name, addr string, handler http.Handler, log logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Noop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		name: name,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		log:  log,
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), name+" server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving "+name, logging.String("addr", ln.Addr().String()))
	return s, nil
}

// ServeMetrics mounts the collector under /metrics.
func ServeMetrics(addr string, collector *RailCollector, log logging.Logger) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return Serve("Prometheus metrics", addr, mux, log)
}

// Addr reports the bound listener address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections and waits for the serve loop.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
