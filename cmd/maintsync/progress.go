package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jxwalker/maintsync/internal/model"
)

// progressLine renders single-line progress with throughput and ETA from
// observed task updates.
type progressLine struct {
	w     io.Writer
	lastN int64
	lastT time.Time
	rate  float64
}

func newProgressLine(w io.Writer) *progressLine {
	return &progressLine{w: w, lastT: time.Now()}
}

func (p *progressLine) update(u model.ProgressUpdate) {
	now := time.Now()
	if dt := now.Sub(p.lastT).Seconds(); dt > 0.2 {
		p.rate = float64(u.DownloadedSize-p.lastN) / dt
		p.lastN = u.DownloadedSize
		p.lastT = now
	}
	total := int64(0)
	if u.TotalSize != nil {
		total = *u.TotalSize
	}
	eta := "-"
	if p.rate > 0 && total > 0 && u.DownloadedSize < total {
		eta = fmt.Sprintf("%ds", int(float64(total-u.DownloadedSize)/p.rate+0.5))
	}
	size := humanize.Bytes(uint64(u.DownloadedSize))
	if total > 0 {
		size += "/" + humanize.Bytes(uint64(total))
	}
	fmt.Fprintf(p.w, "\r%s %3d%%  %8s/s  ETA %s  %s   ", renderBar(u.Progress, 30), u.Progress, rate(p.rate), eta, size)
}

func (p *progressLine) done() { fmt.Fprint(p.w, "\n") }

func renderBar(percent, width int) string {
	percent = min(max(percent, 0), 100)
	filled := percent * width / 100
	if filled >= width {
		return "[" + strings.Repeat("=", width) + "]"
	}
	return "[" + strings.Repeat("=", filled) + ">" + strings.Repeat(" ", width-filled-1) + "]"
}

func rate(v float64) string {
	if v <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(v))
}
