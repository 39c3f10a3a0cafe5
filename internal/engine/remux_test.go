package engine

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushMemBuf_WritesBufferedSegmentsInOrder(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", StreamToDisk: false, Title: "clip"}.Validate()
	require.NoError(t, err)

	task := New("buffered-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	task.memBuf = [][]byte{[]byte("one-"), []byte("two-"), []byte("three")}

	require.NoError(t, task.flushMemBuf())

	data, err := os.ReadFile(task.tempPath)
	require.NoError(t, err)
	assert.Equal(t, "one-two-three", string(data))
}

func TestFlushMemBuf_NoOpWhenStreamingToDisk(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", StreamToDisk: true, Title: "clip"}.Validate()
	require.NoError(t, err)

	task := New("streaming-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, task.flushMemBuf())

	_, err = os.Stat(task.tempPath)
	assert.True(t, os.IsNotExist(err), "streaming mode must not create the temp file itself")
}

func TestFinishOutput_RenamesToPlainTSWhenComplete(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatTS}.Validate()
	require.NoError(t, err)

	task := New("complete-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("payload"), 0o644))

	require.NoError(t, task.finishOutput(false))

	want := filepath.Join(dir, "clip.ts")
	assert.Equal(t, want, task.outputPath)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFinishOutput_PartialSuffixOnForceSave(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatTS}.Validate()
	require.NoError(t, err)

	task := New("forced-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("partial-payload"), 0o644))

	require.NoError(t, task.finishOutput(true))

	want := filepath.Join(dir, "clip.partial.ts")
	assert.Equal(t, want, task.outputPath)
	_, err = os.Stat(want)
	require.NoError(t, err)
}

func TestFinishOutput_MP4WithoutFFmpegFallsBackToTS(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir) // hide any real ffmpeg on the test host

	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatMP4}.Validate()
	require.NoError(t, err)

	task := New("mp4-no-ffmpeg-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("payload"), 0o644))

	require.NoError(t, task.finishOutput(false))

	assert.True(t, task.ffmpegMissing)
	assert.Equal(t, filepath.Join(dir, "clip.ts"), task.outputPath)
}

func TestFinishOutput_PartialWithMP4FormatSkipsRemux(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir) // even if ffmpeg were found, partial must skip remux before looking
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatMP4}.Validate()
	require.NoError(t, err)

	task := New("forced-mp4-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("partial-payload"), 0o644))

	require.NoError(t, task.finishOutput(true))

	want := filepath.Join(dir, "clip.partial.ts")
	assert.Equal(t, want, task.outputPath)
	assert.False(t, task.ffmpegMissing, "partial path must never even attempt to look up ffmpeg")

	_, err = os.Stat(filepath.Join(dir, "clip.partial.mp4"))
	assert.True(t, os.IsNotExist(err), "a partial mp4-format task must never produce an .mp4 file")
}

func TestFinalizeCompleted_SetsStateAndOutputPath(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatTS}.Validate()
	require.NoError(t, err)

	task := New("finalize-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("all-segments"), 0o644))

	task.finalizeCompleted()

	assert.Equal(t, StateCompleted, task.state)
	assert.Equal(t, filepath.Join(dir, "clip.ts"), task.outputPath)
}

func TestFinalizeForced_SetsStateForced(t *testing.T) {
	dir := t.TempDir()
	opts, err := Options{URL: "http://example.invalid/playlist.m3u8", Title: "clip", OutputFormat: FormatTS}.Validate()
	require.NoError(t, err)

	task := New("finalize-forced-task", opts, dir, http.DefaultClient, testFilter{}, log.New(io.Discard))
	require.NoError(t, os.WriteFile(task.tempPath, []byte("partial-segments"), 0o644))

	task.finalizeForced()

	assert.Equal(t, StateForced, task.state)
	assert.Equal(t, filepath.Join(dir, "clip.partial.ts"), task.outputPath)
}
