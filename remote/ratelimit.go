// remote/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Adapted from storage/ratelimit.go: a token-bucket bandwidth limiter for
// upload/download readers. The teacher's version used package-level global
// state sized for a single process-wide limit; here it is a per-Limiter
// value so a run's config-derived limits don't leak into unrelated tests
// (§10.4's ratelimit-adapted transport concern).
package remote

import (
	"io"
	"sync"
	"time"
)

// Limiter doles out upload/download byte budgets at a fixed rate. A zero
// Limiter (or a nil *Limiter) applies no limit.
type Limiter struct {
	mu                       sync.Mutex
	cond                     *sync.Cond
	uploadBytesPerSec        int
	downloadBytesPerSec      int
	availableUpload          int
	availableDownload        int
	started                  bool
}

// NewLimiter returns a Limiter enforcing the given steady-state rates in
// bytes/second. A rate of 0 means unlimited for that direction.
func NewLimiter(uploadBytesPerSec, downloadBytesPerSec int) *Limiter {
	l := &Limiter{
		uploadBytesPerSec:   uploadBytesPerSec,
		downloadBytesPerSec: downloadBytesPerSec,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Limiter) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		for range ticker.C {
			l.mu.Lock()
			l.availableUpload = refill(l.availableUpload, l.uploadBytesPerSec)
			l.availableDownload = refill(l.availableDownload, l.downloadBytesPerSec)
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
}

func refill(available, ratePerSec int) int {
	available += ratePerSec * 94 / 100 / 8
	if available > ratePerSec {
		available = ratePerSec
	}
	return available
}

// UploadReader wraps r so reads through it are limited to the configured
// upload rate. If l is nil or has no upload limit, r is returned unwrapped.
func (l *Limiter) UploadReader(r io.Reader) io.Reader {
	if l == nil || l.uploadBytesPerSec == 0 {
		return r
	}
	l.start()
	return &limitedReader{r: r, l: l, upload: true}
}

// DownloadReader wraps r so reads through it are limited to the configured
// download rate. If l is nil or has no download limit, r is returned
// unwrapped.
func (l *Limiter) DownloadReader(r io.Reader) io.Reader {
	if l == nil || l.downloadBytesPerSec == 0 {
		return r
	}
	l.start()
	return &limitedReader{r: r, l: l, upload: false}
}

type limitedReader struct {
	r      io.Reader
	l      *Limiter
	upload bool
}

func (lr *limitedReader) Read(dst []byte) (int, error) {
	lr.l.mu.Lock()
	for {
		avail := lr.l.availableDownload
		if lr.upload {
			avail = lr.l.availableUpload
		}
		if avail > 0 {
			break
		}
		lr.l.cond.Wait()
	}

	n := len(dst)
	if lr.upload {
		if n > lr.l.availableUpload {
			n = lr.l.availableUpload
		}
		lr.l.availableUpload -= n
	} else {
		if n > lr.l.availableDownload {
			n = lr.l.availableDownload
		}
		lr.l.availableDownload -= n
	}
	lr.l.mu.Unlock()

	read, err := lr.r.Read(dst[:n])
	if read < n {
		lr.l.mu.Lock()
		if lr.upload {
			lr.l.availableUpload += n - read
		} else {
			lr.l.availableDownload += n - read
		}
		lr.l.mu.Unlock()
	}
	return read, err
}
