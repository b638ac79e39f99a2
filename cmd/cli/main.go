// cmd/cli/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keshon/groovebox/internal/logging"
	"github.com/keshon/groovebox/internal/music/media"
	"github.com/keshon/groovebox/internal/music/search"
	"github.com/keshon/groovebox/pkg/retrylimit"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	proxy      string
	searchLim  int
	searchType string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "groovebox-cli",
	Short:        "Query the providers groovebox plays from",
	Long:         `Run YouTube searches and metadata lookups without connecting to Discord.`,
	SilenceUsage: true,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search YouTube",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		log := logging.New(logging.Options{Level: logLevel, Console: true})
		yt := search.NewYouTube(nil, retrylimit.NewLimiter(2, 0.25, 4), log)

		query := strings.Join(args, " ")
		results, err := yt.Search(ctx, query, search.Options{
			Limit: searchLim,
			Type:  search.ResultType(searchType),
		})
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "nothing found for %q\n", query)
			return nil
		}
		for i, r := range results {
			length := r.Duration
			if r.Live {
				length = "LIVE"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s [%s] %s\n    %s\n", i+1, r.Title, r.Author, length, r.URL)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Show metadata for a YouTube video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		log := logging.New(logging.Options{Level: logLevel, Console: true})
		client := media.NewClient(proxy, log)

		info, err := client.VideoInfo(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Title:     %s\n", info.Title)
		fmt.Fprintf(out, "Channel:   %s\n", info.Channel)
		fmt.Fprintf(out, "Duration:  %s\n", info.DurationRaw)
		fmt.Fprintf(out, "Live:      %t\n", info.Live)
		fmt.Fprintf(out, "Thumbnail: %s\n", info.Thumbnail)
		fmt.Fprintf(out, "URL:       %s\n", info.URL)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	searchCmd.Flags().IntVarP(&searchLim, "limit", "l", 5, "maximum number of results")
	searchCmd.Flags().StringVarP(&searchType, "type", "t", string(search.TypeVideo), "result type: video, playlist or channel")
	infoCmd.Flags().StringVar(&proxy, "proxy", os.Getenv("YOUTUBE_PROXY"), "proxy for YouTube requests")

	rootCmd.AddCommand(searchCmd, infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
