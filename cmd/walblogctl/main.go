// Command walblogctl formats, serves, and inspects walblog devices
// backed by ordinary files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/walblog/walblog"
	"github.com/walblog/walblog/backend/file"
	"github.com/walblog/walblog/internal/logging"
	"github.com/walblog/walblog/internal/logpack"
	"github.com/walblog/walblog/internal/superblock"
	"github.com/walblog/walblog/internal/wlogstream"
)

var rootCmd = &cobra.Command{
	Use:   "walblogctl",
	Short: "Format, serve, and inspect walblog devices",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walblogctl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(formatCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dumpWlogCmd())
}

func formatCmd() *cobra.Command {
	var ldevPath, ddevPath string
	var ldevSize, ddevSize int64
	var logicalBS, physicalBS int
	var ringOff, ringSize uint64

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Write a fresh superblock to an LDEV, sizing its ring against a DDEV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ldev, err := file.Create(ldevPath, ldevSize, physicalBS)
			if err != nil {
				return fmt.Errorf("create ldev: %w", err)
			}
			defer ldev.Close()

			ddev, err := file.Create(ddevPath, ddevSize, logicalBS)
			if err != nil {
				return fmt.Errorf("create ddev: %w", err)
			}
			defer ddev.Close()

			params := walblog.DefaultParams(ldev, ddev)
			params.LogicalBlockSize = logicalBS
			params.PhysicalBlockSize = physicalBS
			params.RingBufferOff = ringOff
			params.RingBufferSize = ringSize

			if err := walblog.Format(params); err != nil {
				return err
			}
			fmt.Printf("formatted %s (ring %d..+%d blocks) against %s\n", ldevPath, ringOff, ringSize, ddevPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&ldevPath, "ldev", "", "log device path (required)")
	cmd.Flags().StringVar(&ddevPath, "ddev", "", "data device path (required)")
	cmd.Flags().Int64Var(&ldevSize, "ldev-size", 0, "log device size in bytes (required)")
	cmd.Flags().Int64Var(&ddevSize, "ddev-size", 0, "data device size in bytes (required)")
	cmd.Flags().IntVar(&logicalBS, "logical-block-size", 512, "logical block size in bytes")
	cmd.Flags().IntVar(&physicalBS, "physical-block-size", 4096, "physical block size in bytes")
	cmd.Flags().Uint64Var(&ringOff, "ring-off", 1, "first physical block of the log ring")
	cmd.Flags().Uint64Var(&ringSize, "ring-size", 0, "log ring span in physical blocks (required)")
	cmd.MarkFlagRequired("ldev")
	cmd.MarkFlagRequired("ddev")
	cmd.MarkFlagRequired("ldev-size")
	cmd.MarkFlagRequired("ddev-size")
	cmd.MarkFlagRequired("ring-size")
	return cmd
}

func serveCmd() *cobra.Command {
	var ldevPath, ddevPath, name string
	var logicalBS, physicalBS int
	var flushIntervalTime time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open a formatted device and hold it open until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ldevStat, err := os.Stat(ldevPath)
			if err != nil {
				return fmt.Errorf("stat ldev: %w", err)
			}
			ddevStat, err := os.Stat(ddevPath)
			if err != nil {
				return fmt.Errorf("stat ddev: %w", err)
			}

			ldev, err := file.Open(ldevPath, ldevStat.Size(), physicalBS)
			if err != nil {
				return fmt.Errorf("open ldev: %w", err)
			}
			defer ldev.Close()

			ddev, err := file.Open(ddevPath, ddevStat.Size(), logicalBS)
			if err != nil {
				return fmt.Errorf("open ddev: %w", err)
			}
			defer ddev.Close()

			params := walblog.DefaultParams(ldev, ddev)
			params.LogicalBlockSize = logicalBS
			params.PhysicalBlockSize = physicalBS
			params.DeviceName = name
			params.FlushIntervalTime = flushIntervalTime

			logging.SetDefault(logging.NewLogger(&logging.Config{Level: logging.LevelInfo, Output: os.Stderr}))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			dev, err := walblog.OpenDevice(ctx, params, nil)
			if err != nil {
				return fmt.Errorf("open device: %w", err)
			}
			fmt.Printf("serving device %q (id=%d) until interrupted\n", dev.Name(), dev.ID())

			<-ctx.Done()
			fmt.Println("shutting down")
			return walblog.CloseDevice(dev)
		},
	}
	cmd.Flags().StringVar(&ldevPath, "ldev", "", "log device path (required)")
	cmd.Flags().StringVar(&ddevPath, "ddev", "", "data device path (required)")
	cmd.Flags().StringVar(&name, "name", "", "device name (default: auto-generated)")
	cmd.Flags().IntVar(&logicalBS, "logical-block-size", 512, "logical block size in bytes")
	cmd.Flags().IntVar(&physicalBS, "physical-block-size", 4096, "physical block size in bytes")
	cmd.Flags().DurationVar(&flushIntervalTime, "flush-interval", walblog.DefaultFlushIntervalTime, "force a log flush after this long without one")
	cmd.MarkFlagRequired("ldev")
	cmd.MarkFlagRequired("ddev")
	return cmd
}

func dumpWlogCmd() *cobra.Command {
	var ldevPath string
	var physicalBS int

	cmd := &cobra.Command{
		Use:   "dump-wlog",
		Short: "Dump the log ring, from oldest_lsid to written_lsid, as a wlog stream on stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			stat, err := os.Stat(ldevPath)
			if err != nil {
				return fmt.Errorf("stat ldev: %w", err)
			}
			ldev, err := file.Open(ldevPath, stat.Size(), physicalBS)
			if err != nil {
				return fmt.Errorf("open ldev: %w", err)
			}
			defer ldev.Close()

			sbBuf := make([]byte, physicalBS)
			if _, err := ldev.ReadAt(sbBuf, 0); err != nil {
				return fmt.Errorf("read superblock: %w", err)
			}
			sb, err := superblock.Decode(sbBuf, physicalBS)
			if err != nil {
				return fmt.Errorf("decode superblock: %w", err)
			}

			streamHdr := &wlogstream.Header{
				Version:    1,
				LogicalBS:  sb.LogicalBS,
				PhysicalBS: sb.PhysicalBS,
				UUID:       sb.UUID,
				BeginLsid:  sb.OldestLsid,
				EndLsid:    sb.WrittenLsid,
			}
			wr, err := wlogstream.NewWriter(os.Stdout, streamHdr, physicalBS, sb.ChecksumSalt)
			if err != nil {
				return fmt.Errorf("write stream header: %w", err)
			}

			lsid := sb.OldestLsid
			pbs := int(sb.PhysicalBS)
			var packs uint64
			for lsid < sb.WrittenLsid {
				headerBuf := make([]byte, pbs)
				phys := sb.PhysBlock(lsid)
				if _, err := ldev.ReadAt(headerBuf, int64(phys)*int64(pbs)); err != nil {
					return fmt.Errorf("read pack header at lsid %d: %w", lsid, err)
				}
				header, err := logpack.Decode(headerBuf, pbs, sb.ChecksumSalt)
				if err != nil {
					fmt.Fprintf(os.Stderr, "stopping at lsid %d: %v\n", lsid, err)
					break
				}

				payload := make([]byte, int(header.TotalIOSize)*pbs)
				if header.TotalIOSize > 0 {
					if err := readPayload(ldev, sb, lsid, header.TotalIOSize, payload, pbs); err != nil {
						return fmt.Errorf("read payload at lsid %d: %w", lsid, err)
					}
				}

				if err := wr.WritePack(wlogstream.Pack{Header: header, Payload: payload}, sb.ChecksumSalt); err != nil {
					return fmt.Errorf("write pack at lsid %d: %w", lsid, err)
				}
				packs++
				lsid += 1 + uint64(header.TotalIOSize)
			}
			fmt.Fprintf(os.Stderr, "dumped %d packs spanning lsid %d..%d\n", packs, sb.OldestLsid, lsid)
			return nil
		},
	}
	cmd.Flags().StringVar(&ldevPath, "ldev", "", "log device path (required)")
	cmd.Flags().IntVar(&physicalBS, "physical-block-size", 4096, "physical block size in bytes")
	cmd.MarkFlagRequired("ldev")
	return cmd
}

// readPayload reads a logpack's payload blocks starting right after its
// header block, splitting the read into two spans if the ring wraps
// before the payload ends.
func readPayload(ldev *file.File, sb *superblock.Superblock, lsid uint64, totalIOSize uint32, dst []byte, pbs int) error {
	n := int(totalIOSize)
	firstPhys := sb.PhysBlock(lsid + 1)
	firstSpan := sb.RingRemaining(lsid + 1)
	if firstSpan > n {
		firstSpan = n
	}
	if _, err := ldev.ReadAt(dst[:firstSpan*pbs], int64(firstPhys)*int64(pbs)); err != nil {
		return err
	}
	if rem := n - firstSpan; rem > 0 {
		if _, err := ldev.ReadAt(dst[firstSpan*pbs:], int64(sb.RingBufferOff)*int64(pbs)); err != nil {
			return err
		}
	}
	return nil
}
