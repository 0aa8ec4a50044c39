// Package tasks holds the task functions the worker ships with.
package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/worker"
)

const (
	Double    = "double"
	FileStats = "filestats"
)

// Register adds every built-in task to reg.
func Register(reg *worker.Registry) {
	reg.Register(Double, double)
	reg.Register(FileStats, fileStats)
}

type DoubleInput struct {
	X *float64 `json:"x"`
}

func double(_ context.Context, payload json.RawMessage) (any, error) {
	var in DoubleInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "double: decode payload"))
	}
	if in.X == nil {
		return nil, domain.Permanent(errors.Wrap(domain.ErrTaskInvalidInput, "double: x is required"))
	}
	return *in.X * 2, nil
}

type FileStatsInput struct {
	// Contents is the file body, URL-safe base64 encoded.
	Contents string `json:"contents"`
}

type FileStatsResult struct {
	Lines      int `json:"lines"`
	Characters int `json:"characters"`
}

// EncodeContents prepares a file body for the filestats payload.
func EncodeContents(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

func fileStats(ctx context.Context, payload json.RawMessage) (any, error) {
	var in FileStatsInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "filestats: decode payload"))
	}
	raw, err := base64.URLEncoding.DecodeString(in.Contents)
	if err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "filestats: failed to decode"))
	}
	if !utf8.Valid(raw) {
		return nil, domain.Permanent(errors.New("filestats: failed to decode: contents are not UTF-8"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := string(raw)
	return FileStatsResult{
		Lines:      strings.Count(text, "\n"),
		Characters: utf8.RuneCountInString(text),
	}, nil
}
