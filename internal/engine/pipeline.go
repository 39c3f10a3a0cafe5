package engine

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/corvusmedia/hlsfetch/internal/cryptoutil"
	"github.com/corvusmedia/hlsfetch/internal/playlist"
)

// retryDelay is the fixed pause between segment fetch attempts.
const retryDelay = 1 * time.Second

// run is the single worker goroutine a Task owns for its whole lifetime. It
// resolves the playlist, filters the requested segment range, then walks
// segments strictly in order — no intra-task parallelism.
func (t *Task) run() {
	defer close(t.workerDone)
	defer func() {
		t.mu.Lock()
		t.workerRunning = false
		t.mu.Unlock()
	}()

	if !t.filter.IsSafe(t.ctx, t.opts.URL) {
		t.finishError(wrapErr(KindUnsafeURL, "playlist url is not safe to fetch", nil))
		return
	}

	pl, effectiveURL, err := t.fetchPlaylist(t.opts.URL)
	if err != nil {
		t.finishError(err)
		return
	}

	segments := t.buildSegmentList(pl)
	if len(segments) == 0 {
		t.finishError(newErr(KindValidation, "requested segment range selects no segments"))
		return
	}

	t.mu.Lock()
	t.segments = segments
	t.mediaSequence = pl.MediaSequence
	t.stats = newStats(t.startedAt, len(segments))
	t.state = StateDownloading
	t.mu.Unlock()

	t.logger.Info("starting download", "task", t.id, "segments", len(segments), "playlist", effectiveURL)

	if t.opts.StreamToDisk {
		f, err := os.OpenFile(t.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			t.finishError(wrapErr(KindIO, "create output file", err))
			return
		}
		t.fileMu.Lock()
		t.file = f
		t.fileMu.Unlock()
	}

	outcome := t.drive()

	t.fileMu.Lock()
	if t.file != nil {
		t.file.Close()
	}
	t.fileMu.Unlock()

	switch outcome {
	case actionStop:
		t.mu.Lock()
		if t.state != StateError {
			t.state = StateStopped
			t.completedAt = time.Now()
		}
		t.mu.Unlock()
		os.Remove(t.tempPath)
	case actionForced:
		t.finalizeForced()
	default:
		t.finalizeCompleted()
	}
}

// drive walks the in-range segment list from the current cursor, checking
// the control state between segments, and returns why it stopped.
func (t *Task) drive() controlAction {
	for {
		if action := t.checkpoint(); action != actionContinue {
			return action
		}

		t.mu.Lock()
		idx := t.cursor
		total := len(t.segments)
		t.mu.Unlock()
		if idx >= total {
			return actionContinue
		}

		if err := t.fetchOneSegment(idx); err != nil {
			if t.ctx.Err() != nil {
				// Cancelled mid-fetch: the failure is the cancellation itself.
				return actionStop
			}
			t.finishError(err)
			return actionStop
		}
	}
}

// checkpoint blocks while paused and reports whether the worker should
// keep going, stop (cancel), or finalize what it has (force-save).
func (t *Task) checkpoint() controlAction {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()

	paused := false
	for {
		if t.ctrl.cancel {
			return actionStop
		}
		if t.ctrl.forceSave {
			return actionForced
		}
		if !t.ctrl.pause {
			if paused {
				t.setState(StateDownloading)
			}
			return actionContinue
		}
		t.setState(StatePaused)
		paused = true
		t.ctrl.cond.Wait()
	}
}

// fetchOneSegment fetches, decrypts, and commits the segment at idx,
// retrying after a flat retryDelay pause up to opts.MaxRetries times. It
// re-validates the cursor under the task lock before committing, so a
// concurrent RetrySegment rewind discards a stale in-flight fetch instead
// of corrupting the file.
func (t *Task) fetchOneSegment(idx int) error {
	t.mu.Lock()
	seg := t.segments[idx]
	seg.Status = SegmentDownloading
	t.mu.Unlock()

	if !t.filter.IsSafe(t.ctx, seg.URL) {
		unsafe := wrapErr(KindUnsafeURL, "segment url is not safe to fetch", nil)
		seg.Status = SegmentFailed
		seg.Error = unsafe.Error()
		return unsafe
	}

	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-t.ctx.Done():
				return wrapErr(KindNetwork, "cancelled during retry backoff", t.ctx.Err())
			}
			seg.Retries = attempt
		}

		payload, err := t.fetchAndDecrypt(seg)
		if err != nil {
			lastErr = err
			t.mu.Lock()
			seg.Status = SegmentFailed
			seg.Error = err.Error()
			t.mu.Unlock()
			continue
		}

		committed, err := t.commitSegment(idx, seg, payload)
		if err != nil {
			return err
		}
		if !committed {
			// A RetrySegment call rewound the cursor underneath us; the
			// fetch is discarded and the caller loop re-reads the cursor.
			return nil
		}
		return nil
	}

	seg.Status = SegmentFailed
	seg.Error = lastErr.Error()
	return wrapErr(KindNetwork, fmt.Sprintf("segment %d failed after %d attempts", idx, t.opts.MaxRetries+1), lastErr)
}

// fetchAndDecrypt downloads seg's bytes and, if it carries an AES-128 key,
// returns them decrypted. Key bytes are cached per key URI for the life of
// the task.
func (t *Task) fetchAndDecrypt(seg *SegmentRecord) ([]byte, error) {
	data, err := t.fetchBytes(seg.URL)
	if err != nil {
		return nil, err
	}

	if !t.opts.Decrypt || seg.Method == playlist.MethodNone {
		return data, nil
	}
	if seg.Method == playlist.MethodOther {
		return nil, wrapErr(KindUnsupportedEncryption, "segment uses an unsupported encryption method", nil)
	}

	key, err := t.resolveKey(seg.KeyURI)
	if err != nil {
		return nil, err
	}

	iv := seg.IV
	if iv == nil {
		iv = cryptoutil.ImplicitIV(t.mediaSequence, seg.OriginalPosition)
	}

	plain, err := cryptoutil.DecryptAES128CBC(data, key, iv)
	if err != nil {
		return nil, wrapErr(KindDecryption, "decrypt segment", err)
	}
	return plain, nil
}

// resolveKey fetches and caches the AES-128 key at keyURI.
func (t *Task) resolveKey(keyURI string) ([]byte, error) {
	t.mu.Lock()
	if key, ok := t.keyCacheBytes[keyURI]; ok {
		t.mu.Unlock()
		return key, nil
	}
	t.mu.Unlock()

	if !t.filter.IsSafe(t.ctx, keyURI) {
		return nil, wrapErr(KindUnsafeURL, "key url is not safe to fetch", nil)
	}

	key, err := t.fetchBytes(keyURI)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.keyCacheBytes[keyURI] = key
	t.mu.Unlock()
	return key, nil
}

// fetchBytes performs a single GET, applying the task's configured headers.
func (t *Task) fetchBytes(rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, wrapErr(KindNetwork, "build request", err)
	}
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, wrapErr(KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, wrapErr(KindNetwork, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr(KindNetwork, "read response body", err)
	}
	return body, nil
}

// commitSegment appends payload to the output (file or memory buffer),
// updates statistics, and advances the cursor — but only if idx is still
// the current cursor. Returns false if a concurrent RetrySegment moved the
// cursor elsewhere in the meantime, in which case payload is discarded.
func (t *Task) commitSegment(idx int, seg *SegmentRecord, payload []byte) (bool, error) {
	t.mu.Lock()
	if t.cursor != idx {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	if err := t.appendPayload(idx, payload); err != nil {
		return false, err
	}

	t.mu.Lock()
	if t.cursor != idx {
		t.mu.Unlock()
		return false, nil
	}
	seg.Status = SegmentCompleted
	seg.Size = int64(len(payload))
	t.totalBytes += seg.Size
	t.cursor = idx + 1
	now := time.Now()
	t.stats.onSegmentComplete(seg.Size, now)
	t.mu.Unlock()
	return true, nil
}

// appendPayload writes payload as the idx'th output chunk, either streaming
// it straight to the output file or buffering it in memory per
// opts.StreamToDisk.
func (t *Task) appendPayload(idx int, payload []byte) error {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()

	if !t.opts.StreamToDisk {
		for len(t.memBuf) <= idx {
			t.memBuf = append(t.memBuf, nil)
		}
		t.memBuf[idx] = payload
		return nil
	}

	if idx != t.nextIndex {
		// Out-of-order commit should never happen on the sequential path;
		// guard against silently corrupting the stream.
		return newErr(KindIO, "internal error: out-of-order segment commit")
	}
	if _, err := t.file.Write(payload); err != nil {
		return wrapErr(KindIO, "write segment to output file", err)
	}
	if err := t.file.Sync(); err != nil {
		return wrapErr(KindIO, "sync output file", err)
	}
	t.nextIndex++
	return nil
}

// fetchPlaylist fetches and parses the media playlist at rawURL, returning
// the parsed playlist and the effective (post-redirect) URL used to resolve
// relative segment/key references.
func (t *Task) fetchPlaylist(rawURL string) (*playlist.Playlist, string, error) {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", wrapErr(KindNetwork, "build playlist request", err)
	}
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", wrapErr(KindNetwork, "fetch playlist", err)
	}
	defer resp.Body.Close()

	effectiveURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		effectiveURL = resp.Request.URL.String()
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", wrapErr(KindNetwork, fmt.Sprintf("playlist request returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", wrapErr(KindNetwork, "read playlist body", err)
	}

	pl, err := playlist.Parse(body, effectiveURL)
	if err != nil {
		if err == playlist.ErrVariantPlaylist {
			return nil, "", wrapErr(KindPlaylistRejected, err.Error(), nil)
		}
		return nil, "", wrapErr(KindPlaylistRejected, "parse playlist", err)
	}
	return pl, effectiveURL, nil
}

// buildSegmentList applies the task's 1-based start/end segment range to
// pl's segments, producing the dense, 0-indexed SegmentRecord list the
// pipeline walks.
func (t *Task) buildSegmentList(pl *playlist.Playlist) []*SegmentRecord {
	start := 1
	if t.opts.StartSegment > 0 {
		start = t.opts.StartSegment
	}
	end := len(pl.Segments)
	if t.opts.EndSegment > 0 && t.opts.EndSegment < end {
		end = t.opts.EndSegment
	}

	var out []*SegmentRecord
	for i := start; i <= end && i <= len(pl.Segments); i++ {
		s := pl.Segments[i-1]
		out = append(out, &SegmentRecord{
			Index:            len(out),
			OriginalPosition: s.Position,
			URL:              s.URL,
			Duration:         s.Duration,
			KeyURI:           s.KeyURI,
			IV:               s.IV,
			Method:           s.Method,
			Status:           SegmentPending,
		})
	}
	return out
}

// finishError records a terminal error state.
func (t *Task) finishError(err error) {
	t.logger.Error("task failed", "task", t.id, "err", err)
	t.setError(err)
}

// RetrySegment rewinds the cursor to index and clears its failed status so
// the running worker re-fetches it on its next loop iteration. For a
// streaming task, any bytes already written for segments at or after index
// are discarded by truncating the output file back to the start of index.
func (t *Task) RetrySegment(index int) error {
	t.mu.Lock()
	if index < 0 || index >= len(t.segments) {
		t.mu.Unlock()
		return ErrOutOfRange
	}
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return newErr(KindValidation, "cannot retry a segment on a finished task")
	}

	var truncateAt int64
	if t.opts.StreamToDisk {
		for i := 0; i < index; i++ {
			truncateAt += t.segments[i].Size
		}
	}
	for i := index; i < len(t.segments); i++ {
		t.segments[i].Status = SegmentPending
		t.segments[i].Error = ""
		t.segments[i].Retries = 0
	}
	t.cursor = index
	t.mu.Unlock()

	if t.opts.StreamToDisk {
		t.fileMu.Lock()
		if t.file != nil {
			if err := t.file.Truncate(truncateAt); err != nil {
				t.fileMu.Unlock()
				return wrapErr(KindIO, "truncate output for retry", err)
			}
			if _, err := t.file.Seek(truncateAt, io.SeekStart); err != nil {
				t.fileMu.Unlock()
				return wrapErr(KindIO, "seek output for retry", err)
			}
		}
		t.nextIndex = index
		t.fileMu.Unlock()
	}

	t.ctrl.requestResume()
	return nil
}

// Snapshot returns a point-in-time, immutable view of the task's state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := make([]SegmentSnapshot, len(t.segments))
	for i, s := range t.segments {
		segs[i] = SegmentSnapshot{
			Index:    s.Index,
			URL:      s.URL,
			Duration: s.Duration,
			Status:   s.Status,
			Size:     s.Size,
			Retries:  s.Retries,
			Error:    s.Error,
		}
	}

	snap := Snapshot{
		ID:            t.id,
		Title:         t.opts.Title,
		OutputFormat:  t.opts.OutputFormat,
		StartSegment:  t.opts.StartSegment,
		EndSegment:    t.opts.EndSegment,
		StreamToDisk:  t.opts.StreamToDisk,
		Decrypt:       t.opts.Decrypt,
		Status:        t.state,
		Message:       t.message,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		CompletedAt:   t.completedAt,
		Segments:      segs,
		TotalSegments: len(t.segments),
		Downloaded:    t.cursor,
		TotalBytes:    t.totalBytes,
		OutputPath:    t.outputPath,
		FFmpegMissing: t.ffmpegMissing,
	}
	if snap.TotalSegments > 0 {
		snap.Progress = float64(snap.Downloaded) / float64(snap.TotalSegments)
	}
	if t.stats != nil {
		snap.SpeedBps = t.stats.speed()
		if eta, ok := t.stats.eta(); ok {
			etaCopy := eta
			snap.ETASeconds = &etaCopy
		}
	}
	return snap
}
