package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/icculus/mallocmonitor"
)

type program struct {
	dumpOps     bool
	pprofPath   string
	serveAddr   string
	showPercent bool
}

func main() {
	prog := &program{}
	pflag.BoolVar(&prog.dumpOps, "ops", false, "List every operation with its callstack.")
	pflag.StringVar(&prog.pprofPath, "pprof", "", "Write the allocation profile to the given file.")
	pflag.StringVar(&prog.serveAddr, "serve", "", "Serve the allocation profile over HTTP at the given address.")
	pflag.BoolVar(&prog.showPercent, "progress", false, "Report parsing progress.")
	pflag.Parse()

	logrus.SetOutput(os.Stderr)

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mmstats [flags] <dumpfile>...")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	failed := false
	for _, path := range args {
		if err := prog.run(path); err != nil {
			logrus.WithError(err).Errorf("processing %s", path)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func (prog *program) run(path string) error {
	var options []mallocmonitor.OpenOption
	if prog.showPercent {
		options = append(options, mallocmonitor.WithProgress(stderrProgress()))
	}

	trace, err := mallocmonitor.Open(path, options...)
	if err != nil {
		return err
	}

	prog.report(path, trace)

	if prog.pprofPath != "" {
		prof := mallocmonitor.BuildAllocProfile(trace)
		if err := mallocmonitor.WriteProfile(prog.pprofPath, prof); err != nil {
			return err
		}
		logrus.Infof("wrote allocation profile to %s", prog.pprofPath)
	}

	if prog.serveAddr != "" {
		logrus.Infof("serving allocation profile at http://%s/debug/pprof/allocs", prog.serveAddr)
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/allocs", mallocmonitor.ProfileHandler(trace))
		return http.ListenAndServe(prog.serveAddr, mux)
	}
	return nil
}

// stderrProgress reports each percent once, the way a terminal user wants
// to see a long parse go by.
func stderrProgress() mallocmonitor.ProgressNotify {
	return mallocmonitor.ProgressFunc(func(status string, percent int) error {
		fmt.Fprintf(os.Stderr, "%s: %d%%\n", status, percent)
		return nil
	})
}

func (prog *program) report(path string, trace *mallocmonitor.Trace) {
	hdr := trace.Header()
	stacks := trace.Callstacks()
	totalFrames := stacks.TotalFrames()
	uniqueFrames := stacks.UniqueFrames()
	ratio := 0.0
	if totalFrames > 0 {
		ratio = float64(uniqueFrames) / float64(totalFrames) * 100.0
	}

	fmt.Printf("\n=== %s ===\n", path)
	fmt.Printf("  version: %d\n", hdr.Version)
	fmt.Printf("  bigendian: %v\n", hdr.BigEndian)
	fmt.Printf("  sizeof (void *): %d\n", hdr.PtrSize)
	fmt.Printf("  id: %s\n", hdr.ID)
	fmt.Printf("  binary filename: %s\n", hdr.BinaryPath)
	fmt.Printf("  process id: %d\n", hdr.PID)
	fmt.Printf("  total operations: %d\n", trace.OperationCount())
	fmt.Printf("  total callstack frames: %d\n", totalFrames)
	fmt.Printf("  unique callstack frames: %d\n", uniqueFrames)
	fmt.Printf("  unique/total ratio: %f\n", ratio)

	if !prog.dumpOps {
		return
	}

	fmt.Printf("\n  Operations...\n")
	for i := 0; i < trace.OperationCount(); i++ {
		op := trace.Operation(i)
		fmt.Printf("    op %d, timestamp %d: ", i, op.Timestamp)
		switch op.Kind {
		case mallocmonitor.OpMalloc:
			fmt.Printf("malloc(%d), returned 0x%X\n", op.Size, op.Result)
		case mallocmonitor.OpRealloc:
			fmt.Printf("realloc(0x%X, %d), returned 0x%X\n", op.Ptr, op.Size, op.Result)
		case mallocmonitor.OpMemalign:
			fmt.Printf("memalign(%d, %d), returned 0x%X\n", op.Boundary, op.Size, op.Result)
		case mallocmonitor.OpFree:
			fmt.Printf("free(0x%X)\n", op.Ptr)
		}
		printCallstack(stacks, op.Stack)
	}
}

func printCallstack(stacks *mallocmonitor.CallstackTrie, id mallocmonitor.StackID) {
	frames := stacks.Frames(id)
	fmt.Printf("      Callstack:\n")
	for i, frame := range frames {
		fmt.Printf("        #%d: 0x%X\n", len(frames)-i-1, frame)
	}
}
