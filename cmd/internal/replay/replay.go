// Package replay feeds a newline-delimited JSON event log through an indexer engine.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"convindex/cmd/internal/indexer"
	events "convindex/shared/contracts/events/v1"
)

// DefaultBatchSize is used when a non-positive batch size is given.
const DefaultBatchSize = 100

// maxLineBytes bounds a single event line; matches the gateway frame limit.
const maxLineBytes = 1 << 20

// Result summarizes one replay.
type Result struct {
	State   indexer.ConversationStoreState
	Lines   int
	Events  int
	Skipped int
	Batches int
}

// Run reads events from r, one JSON object per line, and processes them in batches.
// Blank and undecodable lines are skipped. The final snapshot is returned even when
// the input holds no events.
func Run(ctx context.Context, log *slog.Logger, r io.Reader, eng *indexer.Engine, batchSize int) (Result, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	res := Result{State: eng.Snapshot()}
	batch := make([]events.Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		res.State = eng.ProcessBatch(batch)
		res.Batches++
		batch = batch[:0]
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Lines++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			res.Skipped++
			log.Debug("replay.line.skip", "line", res.Lines, "err", err)
			continue
		}

		batch = append(batch, ev)
		res.Events++
		if len(batch) == batchSize {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read events: %w", err)
	}
	flush()

	log.Info("replay.done",
		"project", eng.ProjectCoordinate(),
		"lines", res.Lines,
		"events", res.Events,
		"skipped", res.Skipped,
		"batches", res.Batches,
		"threads", len(res.State.SortedThreadIDs),
	)
	return res, nil
}
