package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// ExportJSONL writes every operation in the log as one JSON object per line.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) (int, error) {
	ops, err := s.LoadPending(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, op := range ops {
		if err := enc.Encode(op); err != nil {
			return i, fmt.Errorf("failed to write operation %s: %w", op.ID, err)
		}
	}
	return len(ops), nil
}

// ImportJSONL appends operations read from r. Lines whose id is already in
// the log (queued or completed) are skipped, so ids are never reused.
// Dependencies must name an operation already in the log or earlier in r.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	now := time.Now().UTC()

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var op schema.Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		op.SetDefaults(now)
		if op.Status == schema.StatusInProgress || op.Status == schema.StatusRetrying {
			op.Status = schema.StatusPending
			op.NextAttemptAt = nil
		}

		exists, err := s.Exists(ctx, op.ID)
		if err != nil {
			return result, err
		}
		if exists {
			result.Skipped++
			continue
		}

		missing, err := s.missingDependencies(ctx, op.Dependencies)
		if err != nil {
			return result, err
		}
		if len(missing) > 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: operation %s depends on unknown %s", lineNum, op.ID, strings.Join(missing, ", ")))
			continue
		}

		if err := s.Append(ctx, &op); err != nil {
			if IsStorageError(err) {
				return result, err
			}
			if errors.Is(err, ErrDuplicateID) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		result.Imported++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return result, nil
}

func (s *Store) missingDependencies(ctx context.Context, deps []string) ([]string, error) {
	var missing []string
	for _, dep := range deps {
		ok, err := s.Exists(ctx, dep)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}
