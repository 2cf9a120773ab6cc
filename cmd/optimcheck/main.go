// optimcheck verifies that the cgo boundary of the native library links and
// behaves, or with -serve runs the cinterop bridge on this process's stdio.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"unsafe"

	"github.com/gitph/gitoptim/cabi"
	"github.com/gitph/gitoptim/cinterop"
	"github.com/gitph/gitoptim/errors"
	"github.com/gitph/gitoptim/optim"
	"github.com/gitph/gitoptim/stats"
)

type config struct {
	number    int
	text      string
	serve     bool
	showStats bool
	batchSize int
}

func parseFlags(fs *flag.FlagSet, args []string) (config, error) {
	var cfg config
	fs.IntVar(&cfg.number, "number", 15, "Input for perform_complex_calculation.")
	fs.StringVar(&cfg.text, "text", "Hello, Go and C!", "Input for get_string_length_from_cpp.")
	fs.BoolVar(&cfg.serve, "serve", false, "Run the cinterop bridge on stdin/stdout instead of the check.")
	fs.BoolVar(&cfg.showStats, "stats", false, "Print bridge counters to stderr when the bridge exits.")
	fs.IntVar(&cfg.batchSize, "batch-size", 4096, "Bytes of work per bridge batch.")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if int64(cfg.number) != int64(int32(cfg.number)) {
		return cfg, errors.Newf("-number %d does not fit in int32", cfg.number)
	}
	if cfg.batchSize <= 0 {
		return cfg, errors.Newf("-batch-size must be positive, got %d", cfg.batchSize)
	}
	return cfg, nil
}

func main() {
	log.SetPrefix("optimcheck: ")
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if cfg.serve {
		err = serve(cfg, os.Stderr)
	} else {
		err = verify(os.Stdout, int32(cfg.number), cfg.text)
	}
	if err != nil {
		log.Print(errors.GetMessage(err))
		os.Exit(1)
	}
}

// verify calls every entry point through cgo and reports the results on w.
func verify(w io.Writer, number int32, text string) error {
	fmt.Fprintln(w, "--- Native integration check ---")

	cabi.Hello()

	result := cabi.Calculate(number)
	fmt.Fprintf(w, "[Go] perform_complex_calculation(%d) = %d\n", number, result)
	if want := optim.Calculate(number); result != want {
		return errors.Newf("calculation returned %d, want %d", result, want)
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	length := cabi.StringLength(unsafe.Pointer(ctext))
	fmt.Fprintf(w, "[Go] get_string_length_from_cpp(%q) = %d bytes\n", text, length)
	want, err := optim.StringLength([]byte(text))
	if err != nil {
		return errors.Wrap(err, "measuring text in Go")
	}
	if length != want {
		return errors.Newf("string length returned %d, want %d", length, want)
	}

	if null := cabi.StringLength(nil); null != optim.NullLength {
		return errors.Newf("null text returned %d, want %d", null, optim.NullLength)
	}
	fmt.Fprintln(w, "[Go] get_string_length_from_cpp(NULL) = -1")
	fmt.Fprintln(w, "--------------------------------")
	return nil
}

func serve(cfg config, statsOut io.Writer) error {
	memory := stats.NewMemoryFactory()
	services := cinterop.NewServices(memory)
	services.BatchSize = cfg.batchSize
	err := cinterop.StartServerWithStats(services.Dispatch, memory, os.Stdin, os.Stdout)
	if cfg.showStats {
		printSnapshot(statsOut, memory.Snapshot())
	}
	return err
}

func printSnapshot(w io.Writer, snapshot map[string]float64) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %g\n", k, snapshot[k])
	}
}
