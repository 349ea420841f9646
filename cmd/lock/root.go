package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/lib/lockmgr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	session *util.Session

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations on objects",
		PersistentPreRunE:  setupLockClient,
		PersistentPostRunE: closeLockClient,
	}

	// holdCmd represents the hold command
	holdCmd = &cobra.Command{
		Use:   "hold [oid]",
		Short: "Acquire a lock, hold it and release it again",
		Long:  "Acquire a lock on an object, waiting for conflicting locks of other clients, hold it for the given duration and release it. Locks are dropped by the target when the client disconnects, so they only live as long as this command.",
		Args:  cobra.ExactArgs(1),
		RunE:  runHold,
	}

	// tryCmd represents the try command
	tryCmd = &cobra.Command{
		Use:   "try [oid]",
		Short: "Test whether a lock could be acquired right now",
		Args:  cobra.ExactArgs(1),
		RunE:  runTry,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().String("mode", "pw", util.WrapString("Lock mode: pr (shared read) or pw (exclusive write)"))
	LockCommands.PersistentFlags().Uint64("offset", 0, util.WrapString("Start of the locked byte range"))
	LockCommands.PersistentFlags().Uint64("count", 0, util.WrapString("Length of the locked byte range (0 locks to the end of the object)"))
	holdCmd.Flags().Duration("hold", 10*time.Second, util.WrapString("How long to hold the lock"))

	// Add subcommands
	LockCommands.AddCommand(holdCmd)
	LockCommands.AddCommand(tryCmd)
}

// setupLockClient connects to the target
func setupLockClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect-timeout")+time.Second)
	defer cancel()

	var err error
	session, err = util.Connect(ctx)
	return err
}

func closeLockClient(_ *cobra.Command, _ []string) error {
	if session != nil {
		session.Close()
	}
	return nil
}

func parseMode() (lockmgr.Mode, error) {
	switch strings.ToLower(viper.GetString("mode")) {
	case "pr":
		return lockmgr.ModePR, nil
	case "pw":
		return lockmgr.ModePW, nil
	default:
		return 0, fmt.Errorf("invalid lock mode %q (expected pr or pw)", viper.GetString("mode"))
	}
}

func acquire(oid uint64, noWait bool) error {
	mode, err := parseMode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*viper.GetDuration("timeout"))
	defer cancel()

	start := time.Now()
	h, err := session.Objects.Lock(ctx, oid, mode, viper.GetUint64("offset"), viper.GetUint64("count"), noWait)
	if err != nil {
		return err
	}
	fmt.Printf("acquired %s lock %#x on object %d after %s\n", mode, h.Cookie, oid, time.Since(start).Round(time.Millisecond))

	if hold := viper.GetDuration("hold"); !noWait && hold > 0 {
		time.Sleep(hold)
	}
	if err := session.Objects.Unlock(ctx, h); err != nil {
		return err
	}
	fmt.Printf("released lock %#x\n", h.Cookie)
	return nil
}

func runHold(_ *cobra.Command, args []string) error {
	oid, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("oid must be a number: %w", err)
	}
	return acquire(oid, false)
}

func runTry(_ *cobra.Command, args []string) error {
	oid, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("oid must be a number: %w", err)
	}
	return acquire(oid, true)
}
