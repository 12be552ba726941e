package control

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type ServerOptions struct {
	Port int
}

// Server owns the control listener and its gRPC server
type Server struct {
	listener net.Listener
	grpc     *grpc.Server
	logger   logging.Logger

	serveWG sync.WaitGroup
}

// NewServer binds the control port. A bind failure is a startup error.
func NewServer(options ServerOptions, logger logging.Logger) (*Server, error) {
	address := fmt.Sprintf(":%d", options.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen", err).WithContext("address", address)
	}
	return NewServerWithListener(listener, logger), nil
}

func NewServerWithListener(listener net.Listener, logger logging.Logger) *Server {
	return &Server{
		listener: listener,
		grpc:     grpc.NewServer(),
		logger:   logger,
	}
}

func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Run serves in the background until Stop
func (s *Server) Run() {
	s.logger.Infof("Control server listening, address: %s", s.Address())

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.grpc.Serve(s.listener); err != nil {
			s.logger.Errorf("Control server stopped, error: %v", err)
		}
	}()
}

// Stop drains in-flight calls, forcing the stop when ctx ends first
func (s *Server) Stop(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warnf("Control server graceful stop timed out, forcing")
		s.grpc.Stop()
		<-stopped
	}

	s.serveWG.Wait()
	// A server that never ran still owns its listener
	s.listener.Close()
	s.logger.Infof("Control server stopped")
}
