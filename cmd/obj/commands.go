package obj

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/wire"
	"github.com/spf13/cobra"
)

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", name, err)
	}
	return v, nil
}

var (
	createCmd = &cobra.Command{
		Use:   "create [oid]",
		Short: "Creates an object. Without oid the target picks the id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var oid uint64
			if len(args) == 1 {
				var err error
				if oid, err = parseUint("oid", args[0]); err != nil {
					return err
				}
			}
			ctx, cancel := opContext()
			defer cancel()
			oid, err := session.Objects.Create(ctx, oid)
			if err != nil {
				return err
			}
			fmt.Println(oid)
			return nil
		},
	}
	destroyCmd = &cobra.Command{
		Use:   "destroy [oid]",
		Short: "Removes an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oid, err := parseUint("oid", args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()
			if err := session.Objects.Destroy(ctx, oid); err != nil {
				return err
			}
			fmt.Println("destroyed successfully")
			return nil
		},
	}
	statCmd = &cobra.Command{
		Use:   "stat [oid]",
		Short: "Prints the size of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oid, err := parseUint("oid", args[0])
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()
			size, err := session.Objects.Getattr(ctx, oid)
			if err != nil {
				return err
			}
			fmt.Printf("object %d: %d bytes\n", oid, size)
			return nil
		},
	}
	truncateCmd = &cobra.Command{
		Use:   "truncate [oid] [size]",
		Short: "Truncates or extends an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			oid, err := parseUint("oid", args[0])
			if err != nil {
				return err
			}
			size, err := parseUint("size", args[1])
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()
			if err := session.Objects.Setattr(ctx, oid, size); err != nil {
				return err
			}
			fmt.Println("truncated successfully")
			return nil
		},
	}
	punchCmd = &cobra.Command{
		Use:   "punch [oid] [offset] [count]",
		Short: "Zeroes a byte range of an object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [3]uint64
			for i, name := range []string{"oid", "offset", "count"} {
				var err error
				if v[i], err = parseUint(name, args[i]); err != nil {
					return err
				}
			}
			ctx, cancel := opContext()
			defer cancel()
			if err := session.Objects.Punch(ctx, v[0], v[1], v[2]); err != nil {
				return err
			}
			fmt.Println("punched successfully")
			return nil
		},
	}
	readCmd = &cobra.Command{
		Use:   "read [oid] [offset] [count]",
		Short: "Reads a byte range of an object and writes it to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [3]uint64
			for i, name := range []string{"oid", "offset", "count"} {
				var err error
				if v[i], err = parseUint(name, args[i]); err != nil {
					return err
				}
			}
			ctx, cancel := opContext()
			defer cancel()

			// one request per bulk sized chunk
			buf := make([]byte, common.MaxBRWSize)
			for off, end := v[1], v[1]+v[2]; off < end; {
				chunk := buf[:min(uint64(len(buf)), end-off)]
				n, err := session.Objects.Read(ctx, v[0], off, chunk)
				if err != nil {
					return err
				}
				if _, err := os.Stdout.Write(chunk[:n]); err != nil {
					return err
				}
				if n < len(chunk) {
					break
				}
				off += uint64(n)
			}
			return nil
		},
	}
	writeCmd = &cobra.Command{
		Use:   "write [oid] [offset] [data]",
		Short: "Writes data to an object. With data '-' it is read from stdin",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			oid, err := parseUint("oid", args[0])
			if err != nil {
				return err
			}
			off, err := parseUint("offset", args[1])
			if err != nil {
				return err
			}
			data := []byte(args[2])
			if args[2] == "-" {
				if data, err = io.ReadAll(os.Stdin); err != nil {
					return err
				}
			}
			ctx, cancel := opContext()
			defer cancel()

			var size uint64
			for len(data) > 0 {
				n := min(len(data), common.MaxBRWSize)
				if size, err = session.Objects.Write(ctx, oid, off, data[:n], wire.LockHandle{}); err != nil {
					return err
				}
				data = data[n:]
				off += uint64(n)
			}
			fmt.Printf("written successfully, object size %d bytes\n", size)
			return nil
		},
	}
	statfsCmd = &cobra.Command{
		Use:   "statfs",
		Short: "Prints the number of objects and bytes stored on the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext()
			defer cancel()
			objects, bytes, err := session.Objects.Statfs(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("objects: %d\nbytes:   %d\n", objects, bytes)
			return nil
		},
	}
)
