package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danshapiro/hwbuild/internal/parts"
)

func (a *app) catalog(ctx context.Context) (*parts.Catalog, error) {
	c, err := a.openCatalog(ctx, false)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("parts database %s not found; load one with `hwbuild parts import`", a.cfg.Parts.DB)
	}
	return c, nil
}

func (a *app) searchCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the parts catalog",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 || limit > 100 {
				return &usageError{msg: "search: --limit must be between 1 and 100"}
			}
			c, err := a.catalog(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			found, err := c.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(found)
			}
			for _, p := range found {
				price := "N/A"
				if p.Price > 0 {
					price = fmt.Sprintf("$%.2f", p.Price*a.cfg.Parts.INRUSD)
				}
				fmt.Fprintf(a.stdout, "  %s %s\n", colorDone.Sprintf("%8s", price), truncateName(p.Name, 60))
			}
			fmt.Fprintf(a.stdout, "%d results for %q\n", len(found), args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results (1-100)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the parts catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.catalog(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			s, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			row := func(label, format string, args ...any) {
				fmt.Fprintf(a.stdout, "%s %s\n", colorLabel.Sprintf("%-12s", label+":"), fmt.Sprintf(format, args...))
			}
			row("database", "%s", c.Path())
			row("parts", "%d (%d priced)", s.TotalParts, s.PricedParts)
			row("categories", "%d", s.Categories)
			if s.PriceRange.Min != nil && s.PriceRange.Max != nil {
				row("price", "%.2f - %.2f %s", *s.PriceRange.Min, *s.PriceRange.Max, s.PriceRange.Currency)
			}
			row("fts", "%t", s.FTS)
			for _, cc := range s.TopCategories {
				fmt.Fprintf(a.stdout, "  %5d  %s\n", cc.Count, cc.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}

func (a *app) partsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parts",
		Short: "Manage the parts catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Upsert parts from a JSON array into the catalog",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCatalog(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.ImportFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "imported %d parts into %s\n", n, c.Path())
			return nil
		},
	})
	return cmd
}

func truncateName(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
