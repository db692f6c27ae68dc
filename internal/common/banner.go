package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the worker startup banner to stderr.
func PrintBanner(config *Config, logger *Logger) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()
	eventURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 8888888b.  8888888b.  8888888     .d8888b.  888b     d888  .d88888b.  `,
		` 888   Y88b 888   Y88b   888      d88P  Y88b 8888b   d8888 d88P" "Y88b `,
		` 888    888 888    888   888      Y88b.      88888b.d88888 888     888 `,
		` 888   d88P 888   d88P   888       "Y888b.   888Y88888P888 888     888 `,
		` 8888888P"  8888888P"    888          "Y88b. 888 Y888P 888 888     888 `,
		` 888        888 T88b     888            "888 888  Y8P  888 888     888 `,
		` 888        888  T88b    888      Y88b  d88P 888   "   888 Y88b. .d88P `,
		` 888        888   T88b 8888888     "Y8888P"  888       888  "Y88888P"  `,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  Durable Task Queue Worker%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", config.Environment},
		{"Event URL", eventURL},
		{"Queue DB", config.Queue.DBPath},
		{"Strategy", config.Worker.SchedulingStrategy},
		{"Worker ID", config.Worker.WorkerID},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("environment", config.Environment).
		Str("event_url", eventURL).
		Str("queue_db", config.Queue.DBPath).
		Str("scheduling_strategy", config.Worker.SchedulingStrategy).
		Msg("worker started")
}

// PrintShutdownBanner displays the worker shutdown banner to stderr.
func PrintShutdownBanner(logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 42
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  PRISMQ WORKER — SHUTTING DOWN%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().Msg("worker shutting down")
}
