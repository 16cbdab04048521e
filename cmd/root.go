package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirade/raido/internal/fetch"
	"github.com/kirade/raido/internal/output"
	"github.com/kirade/raido/internal/scheduler"
	"github.com/kirade/raido/internal/transport"
	"github.com/kirade/raido/internal/utils"
)

var (
	outputPath    string
	listFile      string
	numWorkers    int
	connections   int
	idleTimeout   time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	referer       string
	headerArgs    []string
	maxRate       int64
	debug         bool
)

var rootCmd = &cobra.Command{
	Use:     "raido",
	Short:   "Raido is a fast segmented fetcher for media hosts",
	Version: utils.ToolVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && listFile == "" {
			output.PrintError("No URL or transfer list provided")
			os.Exit(1)
		}
		if listFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --list together, choose one")
			os.Exit(1)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}

		jobs, workers, err := buildJobs(args)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		cfg := fetch.Config{
			Transport: transport.Config{
				ProxyURL:      proxyURL,
				ProxyUsername: proxyUsername,
				ProxyPassword: proxyPassword,
			},
			UserAgent:   userAgent,
			MaxWorkers:  connections,
			IdleTimeout: idleTimeout,
			// The governor measures bits on the wire; the flag is bytes.
			RateCeiling: maxRate * 8,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := scheduler.Run(ctx, cfg, jobs, workers); err != nil {
			fmt.Println()
			output.PrintError("Encountered failed transfer(s)")
			os.Exit(1)
		}
	},
}

func buildJobs(args []string) ([]scheduler.Job, int, error) {
	headers := utils.ParseHeaderArgs(headerArgs)
	if len(args) > 0 {
		job := scheduler.Job{
			URL:        args[0],
			OutputPath: outputPath,
			Referer:    referer,
			Headers:    headers,
		}
		return []scheduler.Job{job}, 1, nil
	}
	entries, err := utils.ReadFetchList(listFile)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read transfer list: %w", err)
	}
	jobs := make([]scheduler.Job, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, scheduler.Job{
			URL:        entry.URL,
			OutputPath: entry.OutputPath,
			Referer:    entry.Referer,
			Headers:    headers,
		})
	}
	// Keep the socket total sane when many transfers each open many
	// segment connections.
	maxTotal := 64
	if numWorkers*connections > maxTotal {
		connections = max(maxTotal/numWorkers, 1)
	}
	return jobs, numWorkers, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	rootCmd.Flags().StringVarP(&listFile, "list", "l", "", "Path to YAML file of transfers (op/link pairs)")
	rootCmd.Flags().IntVarP(&numWorkers, "workers", "w", 1, "Number of transfers to run in parallel")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 30, "Segment connections per transfer (capped at 30)")
	rootCmd.Flags().DurationVarP(&idleTimeout, "timeout", "t", 30*time.Second, "Idle read timeout per connection (eg. 5s, 2m)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (or 'randomize')")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringVarP(&referer, "referer", "r", "", "Referer header for hosts that require one")
	rootCmd.Flags().StringArrayVarP(&headerArgs, "header", "H", []string{}, "Custom headers (like 'Cookie: session=x'); can be specified multiple times")
	rootCmd.Flags().Int64Var(&maxRate, "max-rate", 0, "Throughput ceiling in bytes per second (0 = unlimited)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
