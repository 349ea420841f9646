package unix

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/base"
)

// connector implements the IConnector interface for Unix sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "unix"
}

func (c *connector) Listen(socketPath string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}
	return listener, nil
}

func (c *connector) Dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}

func (c *connector) UpgradeConnection(conn net.Conn, config common.NetworkConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Network Factory Method
// --------------------------------------------------------------------------

// NewUnixNetwork creates a network interface listening on the socket path
// config.Address
func NewUnixNetwork(config common.NetworkConfig) (transport.INetwork, error) {
	ni, err := base.NewStreamNetwork(&connector{}, config)
	if err != nil {
		return nil, err
	}
	return ni, nil
}
