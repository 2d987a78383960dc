// Package importer turns pasted or uploaded text into pool entries.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	// MaxLineLength is the longest entry kept; longer lines are truncated.
	MaxLineLength = 1024
	// MaxUploadBytes bounds an uploaded file.
	MaxUploadBytes = 5 << 20
)

var (
	ErrUnsupportedFile = errors.New("only .txt and .jsonl files are accepted")
	ErrTooLarge        = fmt.Errorf("file exceeds %d bytes", MaxUploadBytes)
	ErrNotText         = errors.New("file is not valid UTF-8 text")
)

// Result describes one import run.
type Result struct {
	NewItems           []string `json:"new_items"`
	ImportedCount      int      `json:"imported_count"`
	SkippedCount       int      `json:"skipped_count"`
	SelfDuplicates     int      `json:"self_duplicates"`
	ExistingDuplicates int      `json:"existing_duplicates"`
}

// Accepted returns the lines added by this run.
func (r Result) Accepted() []string {
	return r.NewItems[len(r.NewItems)-r.ImportedCount:]
}

// ImportLines appends the non-empty lines of raw to existing. Unless
// allowDuplicates is set, lines already present in existing and repeats within
// raw are skipped. existing is not modified.
func ImportLines(raw string, existing []string, allowDuplicates bool) Result {
	res := Result{NewItems: make([]string, 0, len(existing))}
	res.NewItems = append(res.NewItems, existing...)

	known := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		known[e] = struct{}{}
	}
	seen := map[string]struct{}{}
	for _, line := range Lines(raw) {
		if !allowDuplicates {
			if _, ok := known[line]; ok {
				res.ExistingDuplicates++
				continue
			}
			if _, ok := seen[line]; ok {
				res.SelfDuplicates++
				continue
			}
			seen[line] = struct{}{}
		}
		res.NewItems = append(res.NewItems, line)
		res.ImportedCount++
	}
	res.SkippedCount = res.SelfDuplicates + res.ExistingDuplicates
	return res
}

// Lines splits raw on line breaks, trims each line, drops empty ones and
// truncates the rest to MaxLineLength characters.
func Lines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, Truncate(line, MaxLineLength))
	}
	return out
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ReadUpload validates an uploaded file and returns its text.
func ReadUpload(filename string, r io.Reader) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".jsonl":
	default:
		return "", ErrUnsupportedFile
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return "", ErrNotText
	}
	return strings.TrimPrefix(string(data), "\ufeff"), nil
}
