// mmseek measures how fast fragmentation snapshots come back from a parsed
// dump under different seek patterns.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/icculus/mallocmonitor"
)

type program struct {
	iterations int
	skip       float64
	linear     bool
	reverse    bool
	sequential bool
	random     bool
}

func main() {
	prog := &program{}
	pflag.IntVar(&prog.iterations, "iterations", 3, "Iterations per seek pattern.")
	pflag.Float64Var(&prog.skip, "skip", 0.05, "Stride for skip patterns, as a fraction of the operation count.")
	pflag.BoolVar(&prog.linear, "linear", false, "Seek every operation front to back.")
	pflag.BoolVar(&prog.reverse, "reverse", false, "Seek every operation back to front.")
	pflag.BoolVar(&prog.sequential, "sequential", true, "Seek forward with a stride.")
	pflag.BoolVar(&prog.random, "random", true, "Seek random operations.")
	pflag.Parse()

	logrus.SetOutput(os.Stderr)

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mmseek [flags] <dumpfile>...")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	for _, path := range args {
		trace, err := mallocmonitor.Open(path)
		if err != nil {
			logrus.WithError(err).Errorf("processing %s", path)
			os.Exit(1)
		}
		prog.jumpAround(path, trace)
	}
}

func (prog *program) jumpAround(path string, trace *mallocmonitor.Trace) {
	opcount := trace.OperationCount()
	fmt.Printf("%s: %d operations total.\n", path, opcount)
	if opcount == 0 {
		return
	}

	skip := int(float64(opcount) * prog.skip)
	if skip < 1 {
		skip = 1
	}

	if prog.linear {
		prog.measure("linear fragmap seek", func() {
			for i := 0; i < opcount; i++ {
				trace.SnapshotAt(i)
			}
		})
	}
	if prog.reverse {
		prog.measure("reverse linear fragmap seek", func() {
			for i := opcount - 1; i >= 0; i-- {
				trace.SnapshotAt(i)
			}
		})
	}
	if prog.sequential {
		prog.measure("sequential skip fragmap seek", func() {
			for i := 0; i < opcount; i += skip {
				trace.SnapshotAt(i)
			}
		})
	}
	if prog.random {
		prog.measure("random skip fragmap seek", func() {
			for i := 0; i < opcount; i += skip {
				trace.SnapshotAt(rand.Intn(opcount))
			}
		})
	}
}

func (prog *program) measure(name string, seek func()) {
	var elapsed time.Duration
	for iter := 0; iter < prog.iterations; iter++ {
		fmt.Printf(" + %s iteration #%d...\n", name, iter)
		start := time.Now()
		seek()
		elapsed += time.Since(start)
	}
	fmt.Printf(" +  (%s total, %d iterations == %s per iteration)\n",
		elapsed, prog.iterations, elapsed/time.Duration(prog.iterations))
}
