package ping

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/client"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// PingCmd represents the ping command
var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send ping requests to a target and print round trip times",
	RunE:  run,
}

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupRPCClientFlags(PingCmd)

	PingCmd.Flags().IntP("count", "c", 4, util.WrapString("Number of pings to send (0 pings until interrupted by an error)"))
	PingCmd.Flags().Duration("interval", time.Second, util.WrapString("Pause between two pings"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect-timeout")+time.Second)
	session, err := util.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("PING %s (%s) generation %d\n", viper.GetString("target"), session.Import.Target().NID, session.Import.Generation())

	count := viper.GetInt("count")
	var sent, received int
	var minRTT, maxRTT, total time.Duration
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			time.Sleep(viper.GetDuration("interval"))
		}
		sent++
		rtt, xid, err := pingOnce(session.Import)
		if err != nil {
			fmt.Printf("xid=%d error: %v\n", xid, err)
			if count == 0 {
				break
			}
			continue
		}
		received++
		total += rtt
		if minRTT == 0 || rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
		fmt.Printf("xid=%d time=%s\n", xid, rtt.Round(time.Microsecond))
	}

	fmt.Printf("\n%d sent, %d received", sent, received)
	if received > 0 {
		avg := total / time.Duration(received)
		fmt.Printf(", rtt min/avg/max = %s/%s/%s", minRTT.Round(time.Microsecond), avg.Round(time.Microsecond), maxRTT.Round(time.Microsecond))
	}
	fmt.Println()
	if received == 0 {
		return fmt.Errorf("no replies from %s", viper.GetString("server"))
	}
	return nil
}

func pingOnce(imp *client.Import) (time.Duration, uint64, error) {
	req, err := client.Prepare(imp, common.OpPing, nil)
	if err != nil {
		return 0, 0, err
	}
	defer req.Finished()

	ctx, cancel := context.WithTimeout(context.Background(), 2*viper.GetDuration("timeout"))
	defer cancel()

	start := time.Now()
	err = client.QueueWait(ctx, req)
	return time.Since(start), req.Xid(), err
}
