package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jxwalker/maintsync/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// pageJSON adds the provenance a JSON consumer cannot infer from Page.
type pageJSON struct {
	model.Page
	Origin   string `json:"origin"`
	Fallback string `json:"fallback_error,omitempty"`
}

func printPage(w io.Writer, asJSON bool, p model.Page) error {
	if asJSON {
		out := pageJSON{Page: p, Origin: p.Origin.String()}
		if p.FallbackErr != nil {
			out.Fallback = p.FallbackErr.Error()
		}
		return printJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tTAG\tUPDATED\tFLAGS")
	for _, r := range p.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, truncate(r.Title, 48), r.Tag(), ago(r.ServerUpdatedAt), flags(r))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	printProvenance(w, p.Origin, p.FallbackErr)
	if p.Total >= 0 {
		fmt.Fprintf(w, "%d of %d\n", len(p.Items), p.Total)
	}
	if p.NextCursor != "" {
		fmt.Fprintf(w, "next: --cursor %s\n", p.NextCursor)
	}
	return nil
}

func printDetail(w io.Writer, asJSON bool, d model.Detail) error {
	if asJSON {
		out := struct {
			model.Detail
			Origin   string `json:"origin"`
			Fallback string `json:"fallback_error,omitempty"`
		}{Detail: d, Origin: d.Origin.String()}
		if d.FallbackErr != nil {
			out.Fallback = d.FallbackErr.Error()
		}
		return printJSON(w, out)
	}
	r := d.Record
	fmt.Fprintf(w, "%s %d: %s\n", r.Kind, r.ID, r.Title)
	if r.Summary != "" {
		fmt.Fprintf(w, "  %s\n", r.Summary)
	}
	if r.Location != "" {
		fmt.Fprintf(w, "  location:  %s\n", r.Location)
	}
	if doc := r.Document; doc != nil {
		fmt.Fprintf(w, "  file:      %s (%s, %s)\n", doc.FileName, doc.MimeType, humanize.Bytes(uint64(max(doc.FileSize, 0))))
		if doc.Revision != "" {
			fmt.Fprintf(w, "  revision:  %s\n", doc.Revision)
		}
	}
	if as := r.Asset; as != nil {
		fmt.Fprintf(w, "  asset:     %s %s (serial %s)\n", as.Manufacturer, as.Model, as.SerialNumber)
		fmt.Fprintf(w, "  status:    %s, health %d\n", as.Status, as.HealthScore)
		if as.LastInspection != nil {
			fmt.Fprintf(w, "  inspected: %s\n", ago(*as.LastInspection))
		}
	}
	fmt.Fprintf(w, "  updated:   %s, synced %s\n", ago(r.ServerUpdatedAt), ago(r.LastSyncTime))
	if f := flags(r); f != "" {
		fmt.Fprintf(w, "  local:     %s %s\n", f, r.Local.LocalPath)
	}
	printProvenance(w, d.Origin, d.FallbackErr)
	return nil
}

func printProvenance(w io.Writer, o model.Origin, fallback error) {
	switch o {
	case model.OriginCache:
		fmt.Fprintln(w, "(from local cache)")
	case model.OriginStale:
		fmt.Fprintf(w, "(offline copy; server unavailable: %v)\n", fallback)
	}
}

func printTasks(w io.Writer, asJSON bool, tasks []model.DownloadTask) error {
	if asJSON {
		return printJSON(w, tasks)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSOURCE\tSTATUS\tPROGRESS\tSIZE\tREASON\tUPDATED")
	for _, t := range tasks {
		size := humanize.Bytes(uint64(t.DownloadedSize))
		if t.TotalSize != nil {
			size += "/" + humanize.Bytes(uint64(*t.TotalSize))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\t%s\n",
			t.ID, model.RecordKey(t.SourceKind, t.SourceID), t.Status, t.Progress, size, t.Reason, ago(t.UpdatedTime))
	}
	return tw.Flush()
}

func flags(r model.Record) string {
	var f []string
	if r.Local.Favorite {
		f = append(f, "fav")
	}
	if r.Local.Downloaded {
		f = append(f, "dl")
	}
	return strings.Join(f, ",")
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
