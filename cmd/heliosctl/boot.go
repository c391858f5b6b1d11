package main

import (
	"strings"

	"github.com/spf13/cobra"

	"helios/kernel/mm"
	"helios/kernel/mm/pmm"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the kernel and print the bring-up log",
	Long: `The boot command creates a simulated machine, runs the kernel bring-up
sequence (frame allocator, page tables, slab caches, heap) and prints the
kernel log together with a short memory summary.

Example:
  heliosctl boot
  heliosctl boot --mem 128
  heliosctl boot --verbose`,
	Args: cobra.NoArgs,
	RunE: runBoot,
}

func init() {
	rootCmd.AddCommand(bootCmd)
}

// BootReport summarizes a completed bring-up.
type BootReport struct {
	MemBytes    uint64
	PageSize    uint64
	TotalFrames uint64
	FreeFrames  uint64
	UsedFrames  uint64
	Log         []string
}

func runBoot(cmd *cobra.Command, args []string) error {
	machine, log, err := bootKernel()
	if err != nil {
		return err
	}
	defer machine.Close()

	frames := pmm.FrameStats()
	report := BootReport{
		MemBytes:    machine.MemSize(),
		PageSize:    uint64(mm.PageSize),
		TotalFrames: frames.TotalFrames,
		FreeFrames:  frames.FreeFrames,
		UsedFrames:  frames.UsedFrames,
		Log:         strings.Split(strings.TrimRight(log.String(), "\n"), "\n"),
	}

	if jsonOut {
		return printJSON(report)
	}

	printInfo("%s", log.String())
	printInfo("\nMachine: %d MiB physical memory, %d byte pages\n", report.MemBytes>>20, report.PageSize)
	printInfo("Frames:  %d total, %d free, %d used\n", report.TotalFrames, report.FreeFrames, report.UsedFrames)
	return nil
}
