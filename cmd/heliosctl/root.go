package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"helios/kernel/hal"
	"helios/kernel/hal/sim"
	"helios/kernel/kfmt"
	"helios/kernel/klog"
	"helios/kernel/kmain"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	memMiB  uint64
)

var rootCmd = &cobra.Command{
	Use:   "heliosctl",
	Short: "Boot and inspect the helios memory managers",
	Long: `heliosctl boots the helios kernel on a simulated machine and exposes its
memory managers for inspection: physical frame accounting, slab class usage,
heap counters, page table walks and a self-check suite.`,
	Version: "0.1.0",
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and the kernel debug log")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().Uint64Var(&memMiB, "mem", 512, "Simulated physical memory in MiB")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// bootKernel creates a machine with the configured amount of physical
// memory, registers it as the active hardware backend and runs the kernel
// bring-up sequence. The kernel log is redirected into the returned buffer
// so commands can include it in their output.
func bootKernel() (*sim.Machine, *bytes.Buffer, error) {
	machine, err := sim.New(sim.Config{MemSize: memMiB << 20})
	if err != nil {
		return nil, nil, fmt.Errorf("creating machine: %s", err.Message)
	}
	hal.Register(machine)

	if verbose {
		klog.SetThreshold(klog.LevelDebug)
	}

	var log bytes.Buffer
	kfmt.SetOutputSink(&log)

	if kmainErr := kmain.Kmain(); kmainErr != nil {
		machine.Close()
		return nil, nil, fmt.Errorf("kernel bring-up: %s", kmainErr.Message)
	}
	return machine, &log, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
