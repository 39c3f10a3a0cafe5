package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// maxRemuxStderr bounds how much of ffmpeg's stderr ends up in a task's
// error message.
const maxRemuxStderr = 200

// finalizeCompleted runs when the worker drained every segment without
// being stopped or force-saved: it flushes any in-memory buffer, then
// either leaves the .ts file in place or remuxes it to the requested
// container.
func (t *Task) finalizeCompleted() {
	if err := t.flushMemBuf(); err != nil {
		t.finishError(err)
		return
	}

	if err := t.finishOutput(false); err != nil {
		t.finishError(err)
		return
	}

	t.mu.Lock()
	t.state = StateCompleted
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.logger.Info("download complete", "task", t.id, "output", t.outputPath)
}

// finalizeForced runs when a force-save command landed: whatever has been
// committed so far is kept as a partial file, named to make that obvious.
func (t *Task) finalizeForced() {
	if err := t.flushMemBuf(); err != nil {
		t.finishError(err)
		return
	}

	if err := t.finishOutput(true); err != nil {
		t.finishError(err)
		return
	}

	t.mu.Lock()
	t.state = StateForced
	t.completedAt = time.Now()
	t.mu.Unlock()
	t.logger.Warn("download force-saved as partial", "task", t.id, "output", t.outputPath)
}

// flushMemBuf writes out the in-memory segment buffer for a
// stream_to_disk=false task, in segment order, to the same temp file the
// streaming mode appends to, covering every segment collected so far.
func (t *Task) flushMemBuf() error {
	t.mu.Lock()
	streaming := t.opts.StreamToDisk
	t.mu.Unlock()
	if streaming {
		return nil
	}

	f, err := os.OpenFile(t.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return wrapErr(KindIO, "create output file", err)
	}
	defer f.Close()

	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	for _, chunk := range t.memBuf {
		if chunk == nil {
			continue
		}
		if _, err := f.Write(chunk); err != nil {
			return wrapErr(KindIO, "flush buffered segments", err)
		}
	}
	return nil
}

// finishOutput renames the raw .ts temp file into place, remuxing to MP4
// first when the task asked for it and ffmpeg is available. partial marks
// a force-saved file so the output name reflects that it may be truncated
// mid-segment boundary at the container level (never mid-segment at the
// byte level: the pipeline only ever commits whole segments).
func (t *Task) finishOutput(partial bool) error {
	t.mu.Lock()
	title := t.opts.Title
	format := t.opts.OutputFormat
	t.mu.Unlock()

	suffix := ""
	if partial {
		suffix = ".partial"
	}
	tsPath := filepath.Join(t.downloadDir, title+suffix+".ts")

	if err := os.Rename(t.tempPath, tsPath); err != nil {
		return wrapErr(KindIO, "rename output to .ts", err)
	}
	t.mu.Lock()
	t.tsPath = tsPath
	t.outputPath = tsPath
	t.mu.Unlock()

	// Remuxing is only for a clean completion. A force-saved file may be
	// truncated mid-container and is left as .partial.ts regardless of the
	// requested output format.
	if partial || format != FormatMP4 {
		return nil
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.mu.Lock()
		t.ffmpegMissing = true
		t.message = "ffmpeg not found; output left as .ts"
		t.mu.Unlock()
		t.logger.Warn("ffmpeg not found, leaving output as .ts", "task", t.id)
		return nil
	}

	mp4Path := filepath.Join(t.downloadDir, title+suffix+".mp4")
	if err := t.remux(ffmpegPath, tsPath, mp4Path); err != nil {
		return err
	}

	os.Remove(tsPath)
	t.mu.Lock()
	t.outputPath = mp4Path
	t.mu.Unlock()
	return nil
}

// remux shells out to ffmpeg to copy (not re-encode) tsPath into mp4Path.
func (t *Task) remux(ffmpegPath, tsPath, mp4Path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", tsPath, "-c", "copy", mp4Path}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > maxRemuxStderr {
			msg = msg[:maxRemuxStderr]
		}
		return wrapErr(KindRemuxer, fmt.Sprintf("ffmpeg remux failed: %s", msg), err)
	}
	return nil
}
