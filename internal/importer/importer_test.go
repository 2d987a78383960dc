package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportLinesDropsBlankAndRepeated(t *testing.T) {
	res := ImportLines("a\na\nb\n\n", nil, false)
	assert.Equal(t, []string{"a", "b"}, res.NewItems)
	assert.Equal(t, 2, res.ImportedCount)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 1, res.SelfDuplicates)
	assert.Equal(t, []string{"a", "b"}, res.Accepted())
}

func TestImportLinesAgainstExisting(t *testing.T) {
	existing := []string{"x", "y"}
	res := ImportLines("y\r\n  z  \r\nx\r\nz", existing, false)
	assert.Equal(t, []string{"x", "y", "z"}, res.NewItems)
	assert.Equal(t, 1, res.ImportedCount)
	assert.Equal(t, 2, res.ExistingDuplicates)
	assert.Equal(t, 1, res.SelfDuplicates)
	assert.Equal(t, 3, res.SkippedCount)
	assert.Equal(t, []string{"x", "y"}, existing)
}

func TestImportLinesIsIdempotent(t *testing.T) {
	first := ImportLines("k1\nk2\nk3", []string{"k0"}, false)
	second := ImportLines("k1\nk2\nk3", first.NewItems, false)
	assert.Equal(t, first.NewItems, second.NewItems)
	assert.Zero(t, second.ImportedCount)
	assert.Equal(t, 3, second.SkippedCount)
}

func TestImportLinesAllowDuplicates(t *testing.T) {
	res := ImportLines("a\na\n", []string{"a"}, true)
	assert.Equal(t, []string{"a", "a", "a"}, res.NewItems)
	assert.Equal(t, 2, res.ImportedCount)
	assert.Zero(t, res.SkippedCount)
}

func TestImportLinesIsCaseSensitive(t *testing.T) {
	res := ImportLines("Code\ncode", []string{"CODE"}, false)
	assert.Equal(t, 2, res.ImportedCount)
}

func TestLinesTruncatesByCharacter(t *testing.T) {
	long := strings.Repeat("码", MaxLineLength+10)
	lines := Lines(long)
	require.Len(t, lines, 1)
	assert.Equal(t, MaxLineLength, len([]rune(lines[0])))
}

func TestReadUpload(t *testing.T) {
	text, err := ReadUpload("codes.TXT", strings.NewReader("\ufeffa\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", text)

	_, err = ReadUpload("codes.csv", strings.NewReader("a"))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = ReadUpload("codes.txt", strings.NewReader("a\x00b"))
	assert.ErrorIs(t, err, ErrNotText)

	_, err = ReadUpload("codes.txt", strings.NewReader(string([]byte{0xff, 0xfe, 0x41})))
	assert.ErrorIs(t, err, ErrNotText)

	_, err = ReadUpload("codes.jsonl", strings.NewReader(strings.Repeat("a", MaxUploadBytes+1)))
	assert.ErrorIs(t, err, ErrTooLarge)
}
