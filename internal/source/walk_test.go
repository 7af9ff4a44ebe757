package source

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tributary/internal/config"
)

func TestWalkEmitsRegularFilesSorted(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"b.txt":         "b",
		"a.txt":         "a",
		"sub/c.txt":     "c",
		"sub/deep/d.go": "d",
	})

	w := NewWalk("walk", dir, WalkOptions{})
	got := produce(t, w)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "b.txt"),
		filepath.Join(dir, "sub", "c.txt"),
		filepath.Join(dir, "sub", "deep", "d.go"),
	}, filenames(got))
	assert.Equal(t, int64(4), w.Ticks())
	for _, msg := range got {
		_, ok := msg.Get("digest")
		assert.False(t, ok, "no digest unless asked for")
	}
}

func TestWalkDigest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"file.txt": "hello tributary"})

	got := produce(t, NewWalk("walk", dir, WalkOptions{Digest: true}))
	require.Len(t, got, 1)

	sum := blake3.Sum256([]byte("hello tributary"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got[0].String("digest"))
}

func TestWalkEmptyDirectory(t *testing.T) {
	w := NewWalk("walk", t.TempDir(), WalkOptions{})
	assert.Empty(t, produce(t, w))
	assert.Equal(t, int64(0), w.Ticks())
}

func TestWalkErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"file.txt": "x"})

	tests := []struct {
		name string
		root string
	}{
		{"missing root", filepath.Join(dir, "missing")},
		{"root is a file", filepath.Join(dir, "file.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewWalk("walk", tt.root, WalkOptions{}).Produce(testContext(t))
			assert.Error(t, err)
		})
	}
}

func TestWalkCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "", "b": "", "c/d": ""})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWalk("walk", dir, WalkOptions{}).Files(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkOptionsFromConfig(t *testing.T) {
	assert.True(t, WalkOptionsFromConfig(config.WalkConfig{Digest: true}).Digest)
	assert.False(t, WalkOptionsFromConfig(config.Defaults().Sources.Walk).Digest)
}
