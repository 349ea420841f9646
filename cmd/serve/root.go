package serve

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/lib/lockmgr"
	"github.com/ValentinKolb/dRPC/lib/objstore"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("serve")

var (
	serviceConfig = common.DefaultServiceConfig(common.PresetOST)
	targetConfig  = common.DefaultTargetConfig("ost-0")
	networkConfig = common.DefaultNetworkConfig()

	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start an object storage target",
		Long:    `Start an object storage target with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRPC_<flag> (e.g. DRPC_COMMIT_INTERVAL=1s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8988", cmdUtil.WrapString("The address on which the target will listen (e.g. localhost:8988, /tmp/drpc.sock, ...)"))

	key = "uuid"
	ServeCmd.PersistentFlags().String(key, "ost-0", cmdUtil.WrapString("UUID of the target. Clients name it when connecting"))

	key = "threads"
	ServeCmd.PersistentFlags().Int(key, serviceConfig.Threads, cmdUtil.WrapString("Number of service threads"))

	key = "max-buffers"
	ServeCmd.PersistentFlags().Int(key, serviceConfig.MaxBuffers, cmdUtil.WrapString("Maximum number of request buffers"))

	key = "memory-limit"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Upper bound for request and reply buffer memory in bytes (0 is unlimited)"))

	key = "history"
	ServeCmd.PersistentFlags().Int(key, serviceConfig.MaxHistory, cmdUtil.WrapString("Number of handled requests kept in the request history"))

	key = "difficult-timeout"
	ServeCmd.PersistentFlags().Duration(key, serviceConfig.DifficultTimeout, cmdUtil.WrapString("How long a reply holding locks waits for the client's acknowledgement before the client is probed"))

	key = "commit-interval"
	ServeCmd.PersistentFlags().Duration(key, targetConfig.CommitInterval, cmdUtil.WrapString("How often changes are made durable. 0 commits every modifying request before it is answered"))

	key = "reply-cache-ttl"
	ServeCmd.PersistentFlags().Duration(key, targetConfig.ReplyCacheTTL, cmdUtil.WrapString("How long completed replies are kept to answer resent requests"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory for the object and reply cache databases. Empty keeps everything in memory"))

	key = "lock-wait"
	ServeCmd.PersistentFlags().Duration(key, objstore.DefaultLockWait, cmdUtil.WrapString("How long a lock request may wait for conflicting locks"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to expose /metrics (prometheus) and /stats on, e.g. localhost:9100. Empty disables it"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serviceConfig.Threads = viper.GetInt("threads")
	serviceConfig.MaxBuffers = viper.GetInt("max-buffers")
	serviceConfig.MemoryLimit = viper.GetInt64("memory-limit")
	serviceConfig.MaxHistory = viper.GetInt("history")
	serviceConfig.DifficultTimeout = viper.GetDuration("difficult-timeout")
	if err := serviceConfig.Validate(); err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	targetConfig.UUID = viper.GetString("uuid")
	targetConfig.CommitInterval = viper.GetDuration("commit-interval")
	targetConfig.ReplyCacheTTL = viper.GetDuration("reply-cache-ttl")
	if dir := viper.GetString("data-dir"); dir != "" {
		targetConfig.ReplyCachePath = filepath.Join(dir, "replies")
	}
	if err := targetConfig.Validate(); err != nil {
		return fmt.Errorf("invalid target configuration: %w", err)
	}

	networkConfig = cmdUtil.GetNetworkConfig(viper.GetString("endpoint"))
	return networkConfig.Validate()
}

// run starts the target and blocks until the process is signalled
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	fmt.Print(networkConfig.String())
	fmt.Print(serviceConfig.String())
	fmt.Print(targetConfig.String())

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	// storage
	var backend objstore.IBackend
	var cache server.IReplyCache
	if dir := viper.GetString("data-dir"); dir != "" {
		if backend, err = objstore.NewBadgerBackend(filepath.Join(dir, "objects")); err != nil {
			return err
		}
		if cache, err = server.NewBadgerReplyCache(targetConfig.ReplyCachePath, targetConfig.ReplyCacheTTL); err != nil {
			backend.Close()
			return err
		}
	} else {
		backend = objstore.NewMemoryBackend()
		cache = server.NewMemoryReplyCache(targetConfig.ReplyCacheTTL)
	}

	locks := lockmgr.NewLockManager()
	handler, err := objstore.NewHandler(targetConfig.UUID, backend, locks, s)
	if err != nil {
		backend.Close()
		cache.Close()
		return err
	}
	handler.SetLockWait(viper.GetDuration("lock-wait"))

	ni, err := cmdUtil.NewNetwork(networkConfig)
	if err != nil {
		handler.Close()
		cache.Close()
		return err
	}
	defer ni.Close()

	target, err := server.NewTargetService(serviceConfig, targetConfig, ni, handler, cache)
	if err != nil {
		handler.Close()
		cache.Close()
		return err
	}
	target.SetLockReleaser(locks)
	if err := target.Start(0); err != nil {
		handler.Close()
		cache.Close()
		return err
	}
	Logger.Infof("Target %s serving on %s with the %s serializer", targetConfig.UUID, ni.Self().NID, s.Name())

	var metricsServer *http.Server
	if endpoint := viper.GetString("metrics-endpoint"); endpoint != "" {
		metricsServer = startMetrics(endpoint, target)
	}

	// wait for a signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	Logger.Infof("Shutting down target %s", targetConfig.UUID)

	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	// stops the service, commits and closes the reply cache
	target.Stop()
	return handler.Close()
}

// startMetrics exposes the prometheus metrics and the service stats
func startMetrics(endpoint string, target *server.Target) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		common.WritePrometheus(w)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		target.Service().Stats(w)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Metrics endpoint %s failed: %v", endpoint, err)
		}
	}()
	Logger.Infof("Serving metrics on http://%s/metrics", endpoint)
	return srv
}
