package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	session *util.Session

	// BenchCmd represents the bench command
	BenchCmd = &cobra.Command{
		Use:                "bench",
		Short:              "Performance testing tool for object targets",
		Long:               "Runs write, read, getattr and mixed benchmarks against a running target. Each benchmark uses its own set of objects which are destroyed afterwards.",
		PreRunE:            processBenchConfig,
		RunE:               run,
		PersistentPostRunE: closeBenchClient,
	}
	benchThreads = 10
	benchSizeKB  = 64
	benchObjects = 100
	benchSkip    = make([]string, 0)
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupRPCClientFlags(BenchCmd)

	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. write,read)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "size"
	BenchCmd.Flags().Int(key, 64, util.WrapString("Size of a single read or write (in KB)"))
	key = "objects"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different objects to use for the tests"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchSizeKB = viper.GetInt("size")
	benchObjects = viper.GetInt("objects")
	benchThreads = viper.GetInt("threads")
	benchSkip = strings.Split(viper.GetString("skip"), ",")
	if benchSizeKB <= 0 || benchObjects <= 0 || benchThreads <= 0 {
		return fmt.Errorf("size, objects and threads must be positive")
	}
	if benchSizeKB*1024 > common.MaxBRWSize {
		return fmt.Errorf("size must not exceed %d KB", common.MaxBRWSize/1024)
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect-timeout")+time.Second)
	defer cancel()

	var err error
	session, err = util.Connect(ctx)
	return err
}

func closeBenchClient(_ *cobra.Command, _ []string) error {
	if session != nil {
		session.Close()
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for object targets")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Server: %s (%s)\n", viper.GetString("server"), viper.GetString("transport"))
	fmt.Printf("Target: %s\n", viper.GetString("target"))
	fmt.Printf("Serializer: %s\n", viper.GetString("serializer"))
	fmt.Printf("Threads: %d\n", benchThreads)
	fmt.Printf("Size: %d KB\n", benchSizeKB)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	payload := make([]byte, benchSizeKB*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("write") {
			return
		}
		next, cleanup := prepareObjects(b, "write", nil)
		b.Cleanup(cleanup)
		b.SetParallelism(benchThreads)
		b.SetBytes(int64(len(payload)))
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := session.Objects.Write(context.Background(), next(), 0, payload, wire.LockHandle{}); err != nil {
					log.Printf("(write) - error writing object: %v\n", err)
				}
			}
		})
	})
	results["write"] = writeResult
	printResult("write", writeResult)

	readResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("read") {
			return
		}
		next, cleanup := prepareObjects(b, "read", payload)
		b.Cleanup(cleanup)
		b.SetParallelism(benchThreads)
		b.SetBytes(int64(len(payload)))
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			buf := make([]byte, len(payload))
			for pb.Next() {
				if _, err := session.Objects.Read(context.Background(), next(), 0, buf); err != nil {
					log.Printf("(read) - error reading object: %v\n", err)
				}
			}
		})
	})
	results["read"] = readResult
	printResult("read", readResult)

	getattrResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("getattr") {
			return
		}
		next, cleanup := prepareObjects(b, "getattr", nil)
		b.Cleanup(cleanup)
		b.SetParallelism(benchThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := session.Objects.Getattr(context.Background(), next()); err != nil {
					log.Printf("(getattr) - error reading attributes: %v\n", err)
				}
			}
		})
	})
	results["getattr"] = getattrResult
	printResult("getattr", getattrResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}
		next, cleanup := prepareObjects(b, "mixed", payload)
		b.Cleanup(cleanup)
		b.SetParallelism(benchThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			buf := make([]byte, len(payload))
			counter := 0
			for pb.Next() {
				oid := next()
				var err error
				// 50% reads, 30% getattr, 20% writes
				switch r := counter % 10; {
				case r < 5:
					_, err = session.Objects.Read(context.Background(), oid, 0, buf)
				case r < 8:
					_, err = session.Objects.Getattr(context.Background(), oid)
				default:
					_, err = session.Objects.Write(context.Background(), oid, 0, payload, wire.LockHandle{})
				}
				if err != nil {
					log.Printf("(mixed) - error on object %d: %v\n", oid, err)
				}
				counter++
			}
		})
	})
	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results: %v", err)
		}
	}

	return nil
}

func shouldSkip(test string) bool {
	for _, s := range benchSkip {
		if strings.TrimSpace(s) == test {
			return true
		}
	}
	return false
}

// prepareObjects creates the objects of one benchmark and returns a function
// cycling through them together with a cleanup that destroys them
func prepareObjects(b *testing.B, test string, fill []byte) (func() uint64, func()) {
	ctx := context.Background()
	oids := make([]uint64, 0, benchObjects)
	for i := 0; i < benchObjects; i++ {
		oid, err := session.Objects.Create(ctx, 0)
		if err != nil {
			b.Fatalf("(%s) - error creating object: %v", test, err)
		}
		oids = append(oids, oid)
		if fill != nil {
			if _, err := session.Objects.Write(ctx, oid, 0, fill, wire.LockHandle{}); err != nil {
				b.Fatalf("(%s) - error filling object: %v", test, err)
			}
		}
	}

	var counter atomic.Uint64
	next := func() uint64 {
		return oids[(counter.Add(1)-1)%uint64(len(oids))]
	}
	cleanup := func() {
		for _, oid := range oids {
			if err := session.Objects.Destroy(ctx, oid); err != nil {
				log.Printf("(%s) - error destroying object: %v\n", test, err)
			}
		}
	}
	return next, cleanup
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	if mbs := mbPerSec(result); mbs > 0 {
		fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\t%.2f MB/s\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec, mbs)
		return
	}
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

func mbPerSec(result testing.BenchmarkResult) float64 {
	if result.Bytes <= 0 || result.T <= 0 {
		return 0
	}
	return float64(result.Bytes) * float64(result.N) / 1e6 / result.T.Seconds()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "MBPerSec", "Skipped",
		"Server", "Target", "Serializer", "Transport",
		"Threads", "SizeKB", "Objects",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			fmt.Sprintf("%.2f", mbPerSec(result)),
			skipped,
			viper.GetString("server"),
			viper.GetString("target"),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(benchThreads),
			strconv.Itoa(benchSizeKB),
			strconv.Itoa(benchObjects),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
