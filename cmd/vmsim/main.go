// Command vmsim boots the memory management core on a simulated machine and
// runs a multi-CPU process workload against it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"vmcore/kernel/mm"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vmsim: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, boots the machine, runs the workload and shuts the
// machine down again. Logs are written to logOut.
func run(args []string, logOut io.Writer) error {
	fs := flag.NewFlagSet("vmsim", flag.ContinueOnError)
	fs.SetOutput(logOut)

	var (
		configPath = fs.String("config", "", "path to a JSON machine configuration")
		ramMb      = fs.Uint64("ram-mb", 0, "amount of simulated RAM in megabytes")
		cpus       = fs.Int("cpus", 0, "number of simulated CPUs")
		noNX       = fs.Bool("no-nx", false, "simulate a CPU without no-execute support")
		logLevel   = fs.String("log-level", "", "log level (debug, info, warn, error)")
		frameMap   = fs.String("frame-map", "", "write a PNG map of physical memory to this file after the workload")
		processes  = fs.Int("processes", -1, "number of simulated processes")
		seed       = fs.Uint64("seed", 0, "workload random seed")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Flags that were explicitly set override the configuration file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ram-mb":
			cfg.RAMMb = *ramMb
		case "cpus":
			cfg.CPUs = *cpus
		case "no-nx":
			cfg.NX = !*noNX
		case "log-level":
			cfg.LogLevel = *logLevel
		case "frame-map":
			cfg.FrameMap = *frameMap
		case "processes":
			cfg.Workload.Processes = *processes
		case "seed":
			cfg.Workload.Seed = *seed
		}
	})

	log, err := newLogger(logOut, cfg.LogLevel)
	if err != nil {
		return err
	}

	detach := attachKernelConsole(log)
	defer detach()

	m, err := boot(cfg)
	if err != nil {
		return err
	}
	defer m.shutdown()

	log.WithFields(logrus.Fields{
		"ram_mb": cfg.RAMMb,
		"cpus":   cfg.CPUs,
		"nx":     cfg.NX,
	}).Info("machine booted")

	if _, err = runWorkload(m, log); err != nil {
		return errors.Wrap(err, "workload failed")
	}

	m.kernel.PrintStats()

	if cfg.FrameMap != "" {
		if err = renderFrameMap(m.kernel.Frames, uintptr(cfg.RAMMb)*uintptr(mm.Mb), cfg.FrameMap); err != nil {
			return err
		}
		log.WithField("path", cfg.FrameMap).Info("frame map written")
	}

	return nil
}
