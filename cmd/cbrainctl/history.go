package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/mattjoyce/cbrainctl/internal/journal"
)

func runHistory(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	g.register(fs)
	limit := fs.Int("limit", 20, "Number of entries to show (0 for all)")
	taskID := fs.Int("task", 0, "Only operations that touched this task")
	if err := fs.Parse(args); err != nil {
		return failf("Flag error: %v", err)
	}

	ctx := context.Background()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	j, err := a.openJournal(ctx)
	if err != nil {
		return failf("Journal error: %v", err)
	}

	var entries []journal.Entry
	if *taskID > 0 {
		ids, err := j.ForTask(ctx, *taskID)
		if err != nil {
			return failf("Journal error: %v", err)
		}
		for _, id := range ids {
			if *limit > 0 && len(entries) >= *limit {
				break
			}
			e, err := j.Get(ctx, id)
			if err != nil {
				return failf("Journal error: %v", err)
			}
			entries = append(entries, *e)
		}
	} else {
		entries, err = j.List(ctx, *limit)
		if err != nil {
			return failf("Journal error: %v", err)
		}
	}

	if g.jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No operations recorded.")
		return 0
	}
	for _, e := range entries {
		state := "ok"
		if !e.OK {
			state = fmt.Sprintf("%d/%d failed", e.Failed, e.Items)
		}
		fmt.Printf("%s  %-20s %-40s %s  %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Operation, e.Subject, state, e.ID)
	}
	return 0
}
