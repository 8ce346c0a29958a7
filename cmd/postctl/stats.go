package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show post, user and journal counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.admin().GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.writeJSON(resp)
			}

			stats := resp.Statistics
			lines := []struct {
				format string
				args   []any
			}{
				{"posts: %d\n", []any{stats.TotalPosts}},
				{"users: %d\n", []any{stats.TotalUsers}},
				{"counter sum: %d\n", []any{stats.CounterSum}},
				{"open issues: %d\n", []any{stats.OpenIssues}},
			}
			for _, l := range lines {
				if err := c.writePlain(l.format, l.args...); err != nil {
					return err
				}
			}

			categories := make([]string, 0, len(stats.ByCategory))
			for category := range stats.ByCategory {
				categories = append(categories, category)
			}
			sort.Strings(categories)
			for _, category := range categories {
				if err := c.writePlain("  category %s: %d\n", category, stats.ByCategory[category]); err != nil {
					return err
				}
			}
			for kind, n := range stats.OpenIssuesByKind {
				if err := c.writePlain("  issue %s: %d\n", kind, n); err != nil {
					return err
				}
			}
			if stats.NewestPost != nil {
				return c.writePlain("newest post: %s\n", stats.NewestPost.Format(time.RFC3339))
			}
			return nil
		},
	}
}
