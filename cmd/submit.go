package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type submitFlags struct {
	addr        string
	apiKey      string
	priority    int
	maxAttempts int
	render      bool
	limit       int
	domain      string
}

// newSubmitCmd creates the 'submit' subcommand tree. Each leaf posts one
// request to a running tidecrawl server and prints the accepted request id.
func newSubmitCmd() *cobra.Command {
	flags := &submitFlags{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request to a running tidecrawl server",
	}
	cmd.PersistentFlags().StringVar(&flags.addr, "addr", "http://localhost:8080", "server base URL")
	cmd.PersistentFlags().StringVar(&flags.apiKey, "api-key", "", "API key, if the server requires one")

	crawl := &cobra.Command{
		Use:   "crawl <url> [url...]",
		Short: "Submit one or more crawl requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"priority":     flags.priority,
				"max_attempts": flags.maxAttempts,
				"render":       flags.render,
			}
			if len(args) == 1 {
				body["url"] = args[0]
			} else {
				body["urls"] = args
			}
			return postRequest(cmd, flags, "/v1/crawl", body)
		},
	}
	crawl.Flags().IntVar(&flags.priority, "priority", 1, "priority tier, higher dispatches first")
	crawl.Flags().IntVar(&flags.maxAttempts, "max-attempts", 3, "attempt budget before the request fails")
	crawl.Flags().BoolVar(&flags.render, "render", false, "force headless rendering")

	sitemap := &cobra.Command{
		Use:   "sitemap <url>",
		Short: "Submit a sitemap expansion request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postRequest(cmd, flags, "/v1/sitemap", map[string]any{
				"url":      args[0],
				"priority": flags.priority,
			})
		},
	}
	sitemap.Flags().IntVar(&flags.priority, "priority", 1, "priority tier for the sitemap and its children")

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Submit a search request over indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"query":        args[0],
				"result_limit": flags.limit,
			}
			if flags.domain != "" {
				body["filters"] = map[string]any{"domain": flags.domain}
			}
			return postRequest(cmd, flags, "/v1/search", body)
		},
	}
	search.Flags().IntVar(&flags.limit, "limit", 5, "maximum results, 1 to 20")
	search.Flags().StringVar(&flags.domain, "domain", "", "restrict results to one domain")

	cmd.AddCommand(crawl, sitemap, search)
	return cmd
}

func postRequest(cmd *cobra.Command, flags *submitFlags, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, flags.addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if flags.apiKey != "" {
		req.Header.Set("X-API-Key", flags.apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(out))
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
	return nil
}
