// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/ShopRAG/pkg/ux"
	"github.com/AleutianAI/ShopRAG/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

type clientFactory func() *Client

// newPrinter styles output only when it goes to a terminal.
func newPrinter(cmd *cobra.Command) *ux.Printer {
	w := cmd.OutOrStdout()
	noColor, _ := cmd.Flags().GetBool("no-color")
	f, ok := w.(*os.File)
	return ux.NewPrinter(w, ok && !noColor && ux.ColorEnabled(f))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// ask
// =============================================================================

func newAskCmd(newClient clientFactory) *cobra.Command {
	var (
		sessionID string
		childAge  int
		topK      int
		skipCache bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a product question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := datatypes.AskRequest{
				Query:     strings.Join(args, " "),
				SessionID: sessionID,
				TopK:      topK,
				SkipCache: skipCache,
			}
			if cmd.Flags().Changed("child-age") {
				age := childAge
				req.ChildProfile = &datatypes.ChildProfile{AgeMonths: &age}
			}

			resp, err := newClient().Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printAnswer(newPrinter(cmd), resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().IntVar(&childAge, "child-age", 0, "child age in months")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of products to retrieve")
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func printAnswer(p *ux.Printer, resp *datatypes.AskResponse) {
	p.Line(resp.Answer)
	if len(resp.Products) > 0 {
		p.Title("Products:")
		for _, prod := range resp.Products {
			line := prod.SKU
			if prod.Name != "" {
				line += "  " + prod.Name
			}
			if prod.Price > 0 {
				line += fmt.Sprintf("  %.2f %s", prod.Price, prod.Currency)
			}
			p.Bullet(line)
			if prod.Reason != "" {
				p.Muted(prod.Reason)
			}
		}
	}
	if len(resp.FollowUpQuestions) > 0 {
		p.Title("You could also ask:")
		for _, q := range resp.FollowUpQuestions {
			p.Bullet(q)
		}
	}
	note := ""
	if resp.Cached {
		note = " (cached)"
	}
	p.Line(fmt.Sprintf("\nsession: %s%s", resp.SessionID, note))
}

// =============================================================================
// sessions
// =============================================================================

func newSessionsCmd(newClient clientFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if resp.Count == 0 {
				fmt.Fprintln(w, "No sessions.")
				return nil
			}
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s  %s  %s\n", s.SessionID, formatUnixMilli(s.Timestamp), s.Summary)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to list")
	return cmd
}

func newHistoryCmd(newClient clientFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show the recent turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range resp.Turns {
				fmt.Fprintf(w, "#%d %s\nQ: %s\nA: %s\n", t.TurnNumber, formatUnixMilli(t.Timestamp), t.Question, t.Answer)
				if len(t.SKUs) > 0 {
					fmt.Fprintf(w, "SKUs: %s\n", strings.Join(t.SKUs, ", "))
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum turns to show")
	return cmd
}

func newMemoryCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "memory [session-id]",
		Short: "Show the rolling summary of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := newClient().Memory(cmd.Context(), args[0])
			if IsNotFound(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No summary yet.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n(covers %d turns, updated %s)\n",
				mem.Summary, mem.CoveredTurns, formatUnixMilli(mem.UpdatedAt))
			return nil
		},
	}
}

func newForgetCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "forget [session-id]",
		Short: "Delete a session and its memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Forget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s (%d turns).\n", resp.SessionID, resp.DeletedTurns)
			return nil
		},
	}
}

// =============================================================================
// product, cache, health
// =============================================================================

func newProductCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "product [sku]",
		Short: "Look up a catalog product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().Product(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newCacheCmd(newClient clientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the answer cache (admin)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "purge",
			Short: "Drop every cached answer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := newClient().PurgeCache(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d entries.\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete [key]",
			Short: "Drop one cached answer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := newClient().DeleteCacheEntry(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newHealthCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server and dependency status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			p.Line(p.IconFor(h.Status) + " " + h.Status)
			for _, d := range h.Dependencies {
				p.Status(d.Name, d.Status, d.Error)
			}
			if h.PolicyHash != "" {
				p.Muted("policy " + h.PolicyHash[:min(12, len(h.PolicyHash))])
			}
			return nil
		},
	}
}

func formatUnixMilli(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
