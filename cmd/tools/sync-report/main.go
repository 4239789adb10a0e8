// sync-report renders an offline timing report for a recorded session. It
// pairs each direction's stimulus archive with its camera archive, computes
// the per-presentation clock offset (stimulus timestamp minus camera
// timestamp), and writes an HTML page of drift charts for eyeballing whether
// the two device clocks stayed aligned during acquisition.
//
// Usage:
//
//	sync-report -session-dir sessions/mouse42 [-out report.html]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/meridian-neuro/retinomap/internal/recorder"
)

var (
	sessionDir = flag.String("session-dir", "", "Path to a recorded session directory")
	outPath    = flag.String("out", "sync-report.html", "Output HTML path")
)

type directionReport struct {
	direction string
	offsets   []float64 // stimulus_ts - camera_ts, microseconds
	indexes   []uint32
	events    int
	mismatch  int
}

func main() {
	flag.Parse()
	if *sessionDir == "" {
		log.Fatal("sync-report: -session-dir is required")
	}

	stimPaths, err := filepath.Glob(filepath.Join(*sessionDir, "*_stimulus.h5"))
	if err != nil || len(stimPaths) == 0 {
		log.Fatalf("sync-report: no stimulus archives under %s", *sessionDir)
	}
	sort.Strings(stimPaths)

	var reports []directionReport
	for _, stimPath := range stimPaths {
		rep, err := buildDirectionReport(stimPath)
		if err != nil {
			log.Fatalf("sync-report: %v", err)
		}
		reports = append(reports, rep)
	}

	page := components.NewPage()
	page.PageTitle = "Acquisition sync report"
	for _, rep := range reports {
		page.AddCharts(driftChart(rep))
	}

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("sync-report: create output: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("sync-report: render: %v", err)
	}

	for _, rep := range reports {
		mean := stat.Mean(rep.offsets, nil)
		sd := stat.StdDev(rep.offsets, nil)
		fmt.Printf("%s: %d pairs, %d events, mean offset %.1fus, stddev %.1fus",
			rep.direction, len(rep.offsets), rep.events, mean, sd)
		if rep.mismatch > 0 {
			fmt.Printf(", %d index mismatches", rep.mismatch)
		}
		fmt.Println()
	}
	fmt.Printf("report written to %s\n", *outPath)
}

// buildDirectionReport pairs one direction's stimulus and camera archives.
// Records are appended in lockstep during acquisition, so pairing is
// positional; frame indexes are cross-checked and mismatches counted.
func buildDirectionReport(stimPath string) (directionReport, error) {
	camPath := strings.TrimSuffix(stimPath, "_stimulus.h5") + "_camera.h5"

	stimHdr, stimRecs, err := recorder.ReadArchive(stimPath)
	if err != nil {
		return directionReport{}, fmt.Errorf("read %s: %w", stimPath, err)
	}
	_, camRecs, err := recorder.ReadArchive(camPath)
	if err != nil {
		return directionReport{}, fmt.Errorf("read %s: %w", camPath, err)
	}

	rep := directionReport{direction: string(stimHdr.Direction)}

	n := len(stimRecs)
	if len(camRecs) < n {
		n = len(camRecs)
	}
	for i := 0; i < n; i++ {
		if stimRecs[i].FrameIndex != camRecs[i].FrameIndex {
			rep.mismatch++
			continue
		}
		offset := float64(stimRecs[i].TimestampMicros) - float64(camRecs[i].TimestampMicros)
		rep.offsets = append(rep.offsets, offset)
		rep.indexes = append(rep.indexes, camRecs[i].FrameIndex)
	}

	eventsPath := strings.TrimSuffix(stimPath, "_stimulus.h5") + "_events.json"
	if buf, err := os.ReadFile(eventsPath); err == nil {
		var events []recorder.StimulusEvent
		if err := json.Unmarshal(buf, &events); err == nil {
			rep.events = len(events)
		}
	}
	return rep, nil
}

func driftChart(rep directionReport) *charts.Line {
	xs := make([]string, len(rep.indexes))
	ys := make([]opts.LineData, len(rep.offsets))
	for i := range rep.offsets {
		xs[i] = fmt.Sprintf("%d", rep.indexes[i])
		ys[i] = opts.LineData{Value: rep.offsets[i]}
	}

	mean := stat.Mean(rep.offsets, nil)
	sd := stat.StdDev(rep.offsets, nil)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Clock offset, direction %s", rep.direction),
			Subtitle: fmt.Sprintf("pairs=%d mean=%.1fus stddev=%.1fus", len(rep.offsets), mean, sd),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame index"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (us)"}),
	)
	line.SetXAxis(xs)
	line.AddSeries("stimulus - camera", ys)
	return line
}
