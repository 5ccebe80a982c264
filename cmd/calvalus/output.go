package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/bcdev/calvalus-portal/internal/model"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", f)
	}
}

func writeData(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q is not a data format", format)
	}
}

func printProductions(w io.Writer, format string, ps []model.Production) error {
	if format != formatTable {
		if ps == nil {
			ps = []model.Production{}
		}
		return writeData(w, format, ps)
	}
	if len(ps) == 0 {
		fmt.Fprintln(w, "No productions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSER\tPROCESSING\tSTAGING")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, truncate(p.Name, 40), p.User, p.ProcessingStatus, stagingColumn(&p))
	}
	return tw.Flush()
}

func stagingColumn(p *model.Production) string {
	if !p.AutoStaging && p.StagingStatus.State == "" {
		return "-"
	}
	if p.StagingStatus.State == "" {
		return string(model.StateWaiting)
	}
	return p.StagingStatus.String()
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// printCheck reports what a request would produce.
func printCheck(w io.Writer, req *model.ProductionRequest) error {
	fmt.Fprintf(w, "Production type: %s\n", req.ProductionType)
	if req.Param("minDate") != "" || req.Param("maxDate") != "" {
		ranges, err := req.DateRanges()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Periods:         %d\n", len(ranges))
		var parts []string
		for i, r := range ranges {
			if i == 5 {
				parts = append(parts, fmt.Sprintf("... %d more", len(ranges)-5))
				break
			}
			parts = append(parts, r.String())
		}
		fmt.Fprintf(w, "                 %s\n", strings.Join(parts, ", "))
	}
	if req.Param("resolution") != "" {
		size, err := req.TargetSize()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Target size:     %d x %d pixels (%.6f deg/pixel, %d rows globally)\n",
			size.Width, size.Height, size.PixelDeg, size.NumRows)
	}
	return nil
}
