// Copyright 2022 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const progressInterval = 2 * time.Second

// downloadProgress periodically logs how many bytes were written to it.
type downloadProgress struct {
	name    string
	total   int64
	current atomic.Int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// newDownloadProgress returns a progress for a file of the given size.
// A non-positive total means the size is unknown.
func newDownloadProgress(name string, total int64) *downloadProgress {
	return &downloadProgress{
		name:  name,
		total: total,
		done:  make(chan struct{}),
	}
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.current.Add(int64(len(b)))
	return len(b), nil
}

func (p *downloadProgress) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.log()
			case <-p.done:
				return
			}
		}
	}()
}

func (p *downloadProgress) Stop() {
	close(p.done)
	p.wg.Wait()
	p.log()
}

func (p *downloadProgress) log() {
	e := log.Debug().Str("file", p.name).Int64("bytes", p.current.Load())
	if p.total > 0 {
		e = e.Int64("total", p.total).Float64("percent", p.percent())
	}
	e.Msg("download progress")
}

func (p *downloadProgress) percent() float64 {
	if p.total <= 0 {
		return 0
	}
	return float64(p.current.Load()) * 100 / float64(p.total)
}
