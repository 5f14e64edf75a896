package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/search"
)

var (
	searchKind    string
	searchLimit   int
	searchFilters []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := search.Options{Limit: searchLimit}
		if searchKind != "" {
			kind, err := domain.ParseKind(searchKind)
			if err != nil {
				return err
			}
			opts.Kind = kind
		}
		filter, err := parseFilters(searchFilters)
		if err != nil {
			return err
		}
		opts.Filter = filter

		results, err := svc.Search.Search(cmd.Context(), strings.Join(args, " "), opts)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(w, "no results")
			return nil
		}
		for i, r := range results {
			fmt.Fprintf(w, "%2d. %.4f  [%s #%d] %s  (dense %.3f, sparse %.3f)\n",
				i+1, r.Score, r.Kind, r.ID, r.Title, r.DenseScore, r.SparseScore)
		}
		return nil
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed <text>...",
	Short: "Print the embedding of each argument and where it came from",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vecs, err := svc.Embedder.EmbedBatch(cmd.Context(), args)
		if err != nil {
			return err
		}
		st := svc.Embedder.Status(cmd.Context())
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, map[string]any{"status": st, "vectors": vecs})
		}
		fmt.Fprintf(w, "mode=%s dim=%d fallbacks=%d\n", st.Mode, st.Dim, st.Fallbacks)
		for i, vec := range vecs {
			head := vec
			if len(head) > 8 {
				head = head[:8]
			}
			fmt.Fprintf(w, "%q %v ...\n", args[i], head)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchKind, "kind", "k", "", "record kind to search (default: configured default)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", search.DefaultLimit, "number of results")
	searchCmd.Flags().StringArrayVarP(&searchFilters, "filter", "f", nil, "payload filter as key=value (repeatable)")
}

// parseFilters turns key=value pairs into an exact-match payload filter.
func parseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, domain.NewValidationError("filter", p, domain.ErrInvalidQuery)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
