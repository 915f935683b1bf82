// Command trace inspects a binary trace log written by internal/trace
// during a hypervisor run. Adapted from cmd/debug, pointed at the
// hypervisor's Source vocabulary instead of an open string.
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/splitvt/hypervisor/internal/trace"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	sample := flag.Bool("sample", false, "print the earliest record from each source (ignores -source/-match)")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `trace - inspect hypervisor binary trace logs

USAGE:
  trace [flags] <filename>

FLAGS:
  -list          List all unique source names in the log, one per line
  -sample        Print the earliest record from each source (ignores -source/-match)
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries whose source matches regex
  -match REGEX   Only show entries whose message matches regex
  -limit N       Max entries to return (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  trace run.trace                           Show entries (errors if >100)
  trace -source 'ept-violation' run.trace    Entries from the EPT-violation path
  trace -match 'tampered=true' run.trace     Entries reporting a failed checksum
  trace -tail -limit 50 run.trace            Last 50 entries
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	filename := flag.Arg(0)

	reader, closer, err := trace.NewReaderFromFile(filename)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	if *sample {
		return reader.Sample(func(ts time.Time, kind trace.Kind, src trace.Source, data []byte) error {
			fmt.Printf("%s [%s] %s\n", ts.Format(time.RFC3339Nano), src, string(data))
			return nil
		})
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type entry struct {
		ts     time.Time
		source trace.Source
		data   []byte
	}
	var entries []entry

	if err := reader.Each(func(ts time.Time, kind trace.Kind, src trace.Source, data []byte) error {
		if sourceRe != nil && !sourceRe.MatchString(string(src)) {
			return nil
		}
		if matchRe != nil && !matchRe.MatchString(string(data)) {
			return nil
		}
		entries = append(entries, entry{ts: ts, source: src, data: data})
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		if *tail {
			entries = entries[len(entries)-*limit:]
		} else {
			return fmt.Errorf("too many entries: %d (limit is %d); use -tail or -limit 0", len(entries), *limit)
		}
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.source, string(e.data))
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trace: %v\n", err)
		os.Exit(1)
	}
}
