package util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValentinKolb/dRPC/lib/objstore"
	"github.com/ValentinKolb/dRPC/rpc/client"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/serializer"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/ValentinKolb/dRPC/rpc/transport/tcp"
	"github.com/ValentinKolb/dRPC/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds DRPC_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("drpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupRPCClientFlags adds the flags needed to reach a target
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "server"
	cmd.PersistentFlags().String(key, "127.0.0.1:8988", WrapString("Address of the server (host:port for tcp, socket path for unix)"))

	key = "target"
	cmd.PersistentFlags().String(key, "ost-0", WrapString("UUID of the target to connect to"))

	key = "listen"
	cmd.PersistentFlags().String(key, "", WrapString("Local address to receive replies on. Defaults to an ephemeral port (tcp) or a socket in the temp dir (unix)"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, 30*time.Second, WrapString("Per attempt timeout of a request"))

	key = "connect-timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Timeout of the connect request"))

	key = "max-resends"
	cmd.PersistentFlags().Int(key, 0, WrapString("How often a timed out request is resent (0 resends until the import gives up)"))

	key = "ping-interval"
	cmd.PersistentFlags().Duration(key, 25*time.Second, WrapString("Interval of the pinger (0 disables it)"))
}

// GetNetworkConfig returns the network configuration for address
func GetNetworkConfig(address string) common.NetworkConfig {
	cfg := common.DefaultNetworkConfig()
	cfg.Transport = viper.GetString("transport")
	cfg.Address = address
	return cfg
}

// NewNetwork creates a network interface for cfg
func NewNetwork(cfg common.NetworkConfig) (transport.INetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Transport {
	case "tcp":
		return tcp.NewTCPNetwork(cfg)
	case "unix":
		return unix.NewUnixNetwork(cfg)
	default:
		return nil, fmt.Errorf("invalid transport %s (expected tcp or unix)", cfg.Transport)
	}
}

// GetSerializer creates the body serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.New(viper.GetString("serializer"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.PingInterval = viper.GetDuration("ping-interval")
	cfg.Import.Timeout = viper.GetDuration("timeout")
	cfg.Import.ConnectTimeout = viper.GetDuration("connect-timeout")
	cfg.Import.MaxResends = viper.GetInt("max-resends")
	return cfg
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Session is a connected object client together with the network and RPC
// client it runs on
type Session struct {
	Network transport.INetwork
	Client  *client.Client
	Import  *client.Import
	Objects *objstore.Client
}

// Connect opens a network interface and connects to the configured target
func Connect(ctx context.Context) (*Session, error) {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return nil, err
	}
	listen := viper.GetString("listen")
	if listen == "" {
		listen = "127.0.0.1:0"
		if viper.GetString("transport") == "unix" {
			listen = filepath.Join(os.TempDir(), fmt.Sprintf("drpc-client-%d.sock", os.Getpid()))
		}
	}
	netCfg := GetNetworkConfig(listen)
	ni, err := NewNetwork(netCfg)
	if err != nil {
		return nil, err
	}

	s, err := GetSerializer()
	if err != nil {
		ni.Close()
		return nil, err
	}

	c, err := client.NewClient(GetClientConfig(), ni)
	if err != nil {
		ni.Close()
		return nil, err
	}

	target := transport.ProcessID{NID: netCfg.Transport + ":" + viper.GetString("server")}
	imp, err := c.Connect(ctx, target, viper.GetString("target"))
	if err != nil {
		c.Close()
		ni.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", target.NID, err)
	}
	return &Session{
		Network: ni,
		Client:  c,
		Import:  imp,
		Objects: objstore.NewClient(imp, s),
	}, nil
}

// Close disconnects from the target and releases the network
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Import.Disconnect(ctx)
	_ = s.Client.Close()
	_ = s.Network.Close()
}
