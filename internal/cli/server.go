package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"mactable/internal/handler"
	"mactable/internal/hub"
	"mactable/internal/logging"
	"mactable/internal/observability"
	"mactable/internal/service"
)

// apiServer is the status API running beside a scenario
type apiServer struct {
	srv    *http.Server
	addr   net.Addr
	cancel context.CancelFunc
	done   chan struct{}
	logger logging.Logger
}

func startServer(ctx context.Context, listen string, svc *service.RunService, metrics *observability.Metrics, log logging.Logger) (*apiServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sseHub := hub.New(hub.WithLogger(log))
	go sseHub.Run(hctx)
	go sseHub.Relay(hctx, svc.EventBus())

	h := handler.NewRunHandler(svc, log)
	mux := h.Routes(sseHub, metrics.Handler())

	s := &apiServer{
		srv: &http.Server{
			Handler:     handler.Chain(mux, handler.Recover(log), handler.Logger(log)),
			ReadTimeout: 10 * time.Second,
			// No WriteTimeout: /events streams for the whole run
			IdleTimeout: 60 * time.Second,
		},
		addr:   ln.Addr(),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log,
	}

	go func() {
		defer close(s.done)
		log.Info(ctx, "status API listening", logging.String("addr", s.addr.String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "status API failed", logging.Err(err))
		}
	}()
	return s, nil
}

// Stop closes the event streams and shuts the server down
func (s *apiServer) Stop() {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "status API shutdown", logging.Err(err))
	}
	<-s.done
}
