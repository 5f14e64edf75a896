package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the vector store, embedder and every collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rep := svc.Health.Check(cmd.Context())
		w := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(w, rep); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(w, "state: %s  (qdrant %s, %s)\n", rep.State, rep.StoreVersion, rep.TotalDuration)
			if rep.Embedding != nil {
				fmt.Fprintf(w, "embedding: mode=%s dim=%d breaker=%s\n", rep.Embedding.Mode, rep.Embedding.Dim, rep.Embedding.Breaker)
			}
			for _, c := range rep.Collections {
				fmt.Fprintf(w, "  %-14s %-16s %-10s points=%d\n", c.Kind, c.Name, c.Status, c.PointCount)
			}
			for _, p := range rep.Probes {
				mark := "ok"
				switch {
				case p.Skipped:
					mark = "skipped"
				case !p.OK:
					mark = "FAIL " + p.Error
				}
				fmt.Fprintf(w, "  probe %-28s %s\n", p.Name, mark)
			}
		}
		if rep.State == health.StateError {
			return errors.New("unhealthy")
		}
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List the collections in the vector store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		infos, err := svc.Store.ListCollections(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, infos)
		}
		for _, c := range infos {
			sparse := "-"
			if c.HasSparse() {
				sparse = "sparse"
			}
			fmt.Fprintf(w, "%-20s %-10s points=%-8d dense=%d/%s %s\n",
				c.Name, c.Stats.Status, c.Stats.PointCount, c.Config.Dense.Size, c.Config.Dense.Distance, sparse)
		}
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.jsonl>",
	Short: "Load source records from a JSON lines file into the source database",
	Long: "Each line is one record: {\"id\":1,\"kind\":\"command\",\"command\":{...}}. " +
		"Existing rows with the same id are replaced. Use - to read stdin.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		recs, err := readRecords(r)
		if err != nil {
			return err
		}
		counts := make(map[domain.RecordKind]int)
		for _, rec := range recs {
			if err := svc.Source.PutRecord(cmd.Context(), rec); err != nil {
				return fmt.Errorf("record %s: %w", rec, err)
			}
			counts[rec.Kind]++
		}
		for _, kind := range svc.Collections.Kinds() {
			if counts[kind] > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d %s records\n", counts[kind], kind)
			}
		}
		return nil
	},
}

// readRecords decodes JSON lines into validated records. Blank lines and
// lines starting with # are skipped.
func readRecords(r io.Reader) ([]domain.SourceRecord, error) {
	var out []domain.SourceRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec domain.SourceRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := domain.ValidateRecord(rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
