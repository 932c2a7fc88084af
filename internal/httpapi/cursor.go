// SPDX-License-Identifier: MIT

package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/forgeops/forged/internal/events"
	"github.com/forgeops/forged/internal/run"
)

var errBadCursor = errors.New("bad cursor")

// Cursors are opaque to clients: two fields joined by a pipe. Run
// cursors carry (created_at, run_id), event cursors (ts, id).

func encodeRunCursor(c *run.Cursor) string {
	if c == nil {
		return ""
	}
	return c.CreatedAt + "|" + c.RunID
}

func decodeRunCursor(s string) (*run.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	createdAt, runID, ok := strings.Cut(s, "|")
	if !ok || createdAt == "" || runID == "" {
		return nil, errBadCursor
	}
	return &run.Cursor{CreatedAt: createdAt, RunID: runID}, nil
}

func encodeEventCursor(c *events.Cursor) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%s|%d", c.TS, c.ID)
}

func decodeEventCursor(s string) (*events.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, rawID, ok := strings.Cut(s, "|")
	if !ok || ts == "" {
		return nil, errBadCursor
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	return &events.Cursor{TS: ts, ID: id}, nil
}
