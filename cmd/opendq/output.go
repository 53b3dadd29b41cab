package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/postalsys/opendq/internal/control"
	"github.com/postalsys/opendq/internal/engine"
	"github.com/postalsys/opendq/internal/health"
	"github.com/postalsys/opendq/internal/link"
	"github.com/postalsys/opendq/internal/mac"
	"github.com/postalsys/opendq/internal/stats"
)

// printer groups digits in counters.
var printer = message.NewPrinter(language.English)

func formatCount(n uint64) string {
	return printer.Sprintf("%d", n)
}

func formatSince(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func writeStatus(w io.Writer, st *control.StatusResponse, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if sys := st.System; sys.Version != "" {
		fmt.Fprintf(tw, "Gateway:\t%s on %s (%s/%s), up %s\n", sys.Version, sys.Hostname, sys.OS, sys.Arch, sys.Uptime)
	}
	fmt.Fprintf(tw, "State:\t%s\n", st.Engine.State)
	if s := st.Engine.Settings; s != nil {
		fmt.Fprintf(tw, "Experiment:\t%s, %d nodes, %s\n", s.Variant, s.Nodes, s.Duration())
	}
	fmt.Fprintf(tw, "Links:\t%d running of %d\n", st.LinksRunning, st.LinkCount)
	if run := st.Engine.Run; run != nil {
		fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
		fmt.Fprintf(tw, "Started:\t%s\n", formatSince(run.StartedAt, now))
		fmt.Fprintf(tw, "First data:\t%s\n", formatSince(run.FirstData, now))
		if !run.StoppedAt.IsZero() {
			fmt.Fprintf(tw, "Stopped:\t%s\n", formatSince(run.StoppedAt, now))
			fmt.Fprintf(tw, "Elapsed:\t%s\n", run.Elapsed)
		}
		if run.ResetBy != "" {
			fmt.Fprintf(tw, "Reset by:\t%s\n", run.ResetBy)
		}
		fmt.Fprintf(tw, "Data frames:\t%s\n", formatCount(run.DataFrames))
		fmt.Fprintf(tw, "Decode errors:\t%s\n", formatCount(run.DecodeErrors))
		fmt.Fprintf(tw, "Protocol errors:\t%s\n", formatCount(run.ProtocolErrors))
		fmt.Fprintf(tw, "Ignored frames:\t%s\n", formatCount(run.IgnoredFrames))
	}
	return tw.Flush()
}

func writeStats(w io.Writer, st *control.StatsResponse) error {
	snap, t := st.Snapshot, st.Totals

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "MAC:\t%s\n", snap.Variant)
	fmt.Fprintf(tw, "Records:\t%s\n", formatCount(snap.Records))
	fmt.Fprintf(tw, "Throughput:\t%s\n", printer.Sprintf("%.1f%%", st.Throughput*100))
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "\tSUCCESS\tERROR\tEMPTY\n")
	fmt.Fprintf(tw, "Data slots\t%s\t%s\t%s\n",
		formatCount(t.SuccessData), formatCount(t.ErrorData), formatCount(t.EmptyData))
	if snap.Variant == mac.VariantDQ {
		fmt.Fprintf(tw, "ARP slots\t%s\t%s\t%s\n",
			formatCount(t.SuccessARP), formatCount(t.ErrorARP), formatCount(t.EmptyARP))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(snap.SuccessData) > 0 {
		fmt.Fprintln(w)
		writeCounters(w, "NODE", "PACKETS", snap.SuccessData)
	}
	if len(snap.SuccessARP) > 0 {
		fmt.Fprintln(w)
		writeCounters(w, "TOKEN", "ACCESSES", snap.SuccessARP)
	}
	if n := len(snap.CRQ); n > 0 {
		fmt.Fprintf(w, "\nQueues (last frame): CRQ %d, DTQ %d over %s frames\n",
			snap.CRQ[n-1], snap.DTQ[n-1], formatCount(uint64(n)))
	}
	return nil
}

func writeCounters(w io.Writer, key, value string, m map[string]uint64) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", key, value)
	for _, k := range stats.SortedKeys(m) {
		fmt.Fprintf(tw, "%s\t%s\n", k, formatCount(m[k]))
	}
	tw.Flush()
}

func writeLinks(w io.Writer, links []link.Stats, now time.Time) error {
	if len(links) == 0 {
		fmt.Fprintln(w, "No links.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPORT\tSTATUS\tFRAMES IN\tFRAMES OUT\tBYTES IN\tBYTES OUT\tERRORS\tQUEUED\tLAST ACTIVITY")
	for _, l := range links {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			l.Name, l.Port, l.Status,
			formatCount(l.FramesIn), formatCount(l.FramesOut),
			humanize.Bytes(l.BytesIn), humanize.Bytes(l.BytesOut),
			formatCount(l.FramingErrors), l.Queued,
			formatSince(l.LastActivity, now))
	}
	return tw.Flush()
}

// eventRecord picks the fields of a decoded record worth a line.
type eventRecord struct {
	Time        time.Time `json:"current_time"`
	DataState   string    `json:"data_state"`
	DataAddress uint16    `json:"data_address"`
	DataRSSI    *int      `json:"data_rssi"`
	CRQ         *uint16   `json:"crq_global"`
	DTQ         *uint16   `json:"dtq_global"`
}

func writeEvent(w io.Writer, msg health.EventMessage) error {
	ts := msg.Time.Format("15:04:05.000")
	switch msg.Type {
	case health.EventState:
		var ch engine.StateChange
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			return fmt.Errorf("decode state change: %w", err)
		}
		_, err := fmt.Fprintf(w, "%s  state  %s -> %s  run=%s elapsed=%s data=%s\n",
			ts, ch.Previous, ch.State, ch.Run.ID, ch.Run.Elapsed, formatCount(ch.Run.DataFrames))
		return err
	case health.EventRecord:
		var rec eventRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		line := fmt.Sprintf("%s  %-6s %-9s addr=%d", ts, msg.Source, rec.DataState, rec.DataAddress)
		if rec.DataRSSI != nil {
			line += fmt.Sprintf(" rssi=%d", *rec.DataRSSI)
		}
		if rec.CRQ != nil && rec.DTQ != nil {
			line += fmt.Sprintf(" crq=%d dtq=%d", *rec.CRQ, *rec.DTQ)
		}
		_, err := fmt.Fprintln(w, line)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s  %s  %s\n", ts, msg.Type, msg.Data)
		return err
	}
}
