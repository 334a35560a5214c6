package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sqllogictest/sqllogictest/engine"
	"github.com/sqllogictest/sqllogictest/format"
	"github.com/sqllogictest/sqllogictest/runner"
)

type labelList []string

func (l *labelList) String() string { return strings.Join(*l, ",") }

func (l *labelList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var (
	engineURI = flag.String("engine", "", "database uri (mysql://DSN or postgres://URL); defaults to SLT_* environment")
	override  = flag.Bool("override", false, "rewrite the test files with the observed outputs")
	coerce    = flag.Bool("override-with-count", false, "with -override, rewrite queries observing zero rows as 'statement count 0'")
	reformat  = flag.Bool("format", false, "reformat the test files without running them")
	jobs      = flag.Int("jobs", 1, "number of files to run in parallel")
	failFast  = flag.Bool("fail-fast", os.Getenv("SLT_FAIL_FAST") != "", "stop a file at its first failing record")
	verbosity = flag.String("verbosity", os.Getenv("SLT_LOG"), "log level (debug, info, warn, error)")
	labels    labelList
)

func init() {
	flag.Var(&labels, "label", "label for onlyif/skipif conditions (repeatable)")
}

func main() {
	flag.Parse()

	if lvl, err := log.ParseLevel(*verbosity); err == nil {
		log.SetLevel(lvl)
	}

	if flag.NArg() == 0 {
		log.Fatalf("usage: sqllogictest <options> file-or-glob ...")
	}

	if err := _main(flag.Args()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func _main(args []string) error {
	var files []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return fmt.Errorf("bad file pattern %q: %s", arg, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files match %q", arg)
		}
		files = append(files, matches...)
	}

	if *reformat {
		for _, file := range files {
			if err := format.File(file); err != nil {
				return err
			}
		}
		return nil
	}

	factory, err := openEngine()
	if err != nil {
		return err
	}

	ctx := context.Background()
	n := *jobs
	if n < 1 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, file := range files {
		file := file
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := runFile(ctx, factory, file); err != nil {
				log.Errorf("%s: %s", file, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func openEngine() (runner.MakeConnection, error) {
	if *engineURI != "" {
		return engine.Open(*engineURI)
	}
	return engine.FromEnv()
}

func runFile(ctx context.Context, factory runner.MakeConnection, file string) error {
	r := runner.New(factory,
		runner.WithLabels(labels...),
		runner.WithFailFast(*failFast),
	)
	defer r.Shutdown(ctx)

	if *override {
		return r.UpdateTestFile(ctx, file, runner.UpdatePolicy{CoerceEmptyQuery: *coerce})
	}
	_, err := r.RunFile(ctx, file)
	return err
}
