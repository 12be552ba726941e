package control

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type ConnectionOptions struct {
	// Address wins over Port when set
	Address string
	Port    int
}

func (o ConnectionOptions) target() string {
	if o.Address != "" {
		return o.Address
	}
	return fmt.Sprintf("localhost:%d", o.Port)
}

// NewConnection prepares a client connection to the daemon. Nothing is dialed until the first call.
func NewConnection(options ConnectionOptions, logger logging.Logger, dialOptions ...grpc.DialOption) (*grpc.ClientConn, error) {
	target := options.target()
	dialOptions = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOptions...)

	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, errors.NewNetworkError("failed to create control connection", err).WithContext("target", target)
	}
	logger.Debugf("Control connection created, target: %s", target)
	return conn, nil
}
