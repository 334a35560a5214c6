package runner

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/sqllogictest/sqllogictest"
)

// ChildDatabaseName derives a database name for one child file of a
// parallel run: the base name plus a hash of the full file path and a
// random suffix, so concurrent runs of the same file cannot collide.
func ChildDatabaseName(base, file string) string {
	sum := md5.Sum([]byte(file))
	return base + "_" + hex.EncodeToString(sum[:4]) + "_" + uuid.NewString()[:8]
}

type partition struct {
	file    string
	records sqllogictest.Records
}

// partitionIncludes splits an include expansion into one partition
// per top-level included file. Records outside any include are
// returned separately and run on the parent.
func partitionIncludes(records sqllogictest.Records) (parts []partition, rest sqllogictest.Records) {
	depth := 0
	var cur *partition
	for _, rec := range records {
		if inj, ok := rec.(*sqllogictest.Injected); ok {
			switch inj.Kind {
			case sqllogictest.BeginInclude:
				depth++
				if depth == 1 {
					parts = append(parts, partition{file: inj.File})
					cur = &parts[len(parts)-1]
					continue
				}
			case sqllogictest.EndInclude:
				depth--
				if depth == 0 {
					cur = nil
					continue
				}
			}
		}
		if cur != nil {
			cur.records = append(cur.records, rec)
		} else if depth == 0 {
			rest = append(rest, rec)
		}
	}
	return parts, rest
}

// RunParallel runs each file of an include expansion on its own child
// runner, at most jobs at a time. Children inherit the parent's sort
// mode, result mode, hash threshold, labels, and normalizer; each gets
// its own connection factory from makeChild, typically pointed at a
// unique database (see ChildDatabaseName). Records outside any
// include run on the parent first.
func (r *Runner) RunParallel(ctx context.Context, records sqllogictest.Records, jobs int, makeChild func(file string) MakeConnection) error {
	parts, rest := partitionIncludes(records)
	if _, err := r.RunRecords(ctx, rest); err != nil {
		return err
	}

	if jobs < 1 {
		jobs = 1
	}
	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error

	for _, part := range parts {
		part := part
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			child := r.child(makeChild(part.file))
			defer child.Shutdown(ctx)
			if _, err := child.RunRecords(ctx, part.records); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

// child clones the runner's comparison configuration onto a fresh
// runner with its own connections and temp dir.
func (r *Runner) child(makeConn MakeConnection) *Runner {
	labels := labelStrings(r.labels.ToSlice())
	return New(makeConn,
		WithLabels(labels...),
		WithSortMode(r.sortMode),
		WithResultMode(r.resultMode),
		WithHashThreshold(r.hashThreshold),
		WithNormalizer(r.normalizer),
		WithTypeValidator(r.typeValidator),
		WithFailFast(r.failFast),
		WithLogger(r.log),
	)
}

func labelStrings(vals []interface{}) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
