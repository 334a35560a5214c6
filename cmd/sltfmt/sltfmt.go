package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sqllogictest/sqllogictest/format"
)

var stdout = flag.Bool("stdout", false, "print the formatted file instead of rewriting it")

func main() {
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatalf("usage: sltfmt <options> file-or-glob ...")
	}

	if err := _main(flag.Args()); err != nil {
		log.Fatal(err)
	}
}

func _main(args []string) error {
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return fmt.Errorf("bad file pattern %q: %s", arg, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files match %q", arg)
		}
		for _, file := range matches {
			if *stdout {
				content, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				formatted, err := format.String(file, string(content))
				if err != nil {
					return err
				}
				fmt.Print(formatted)
				continue
			}
			if err := format.File(file); err != nil {
				return err
			}
		}
	}
	return nil
}
