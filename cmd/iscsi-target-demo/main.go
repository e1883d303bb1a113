package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	iscsi "github.com/iscsi-scst/go-iscsi-core"
	membackend "github.com/iscsi-scst/go-iscsi-core/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/logging"
)

func main() {
	var (
		sizeStr = flag.String("size", "64M", "Size of the in-memory LUN (e.g., 64M, 1G)")
		addr    = flag.String("addr", ":3260", "Address to listen on")
		verbose = flag.Bool("v", false, "Verbose output")
		hdrDig  = flag.Bool("header-digest", false, "Enable CRC32C header digests")
		dataDig = flag.Bool("data-digest", false, "Enable CRC32C data digests")
		jsonLog = flag.Bool("json-logs", false, "Emit logs as JSON instead of plain text")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	memBackend := membackend.NewMemory(size)

	params := iscsi.DefaultParams(memBackend)
	params.ListenAddr = *addr
	params.EnableHeaderDigest = *hdrDig
	params.EnableDataDigest = *dataDig

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if *jsonLog {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("starting iscsi target", "addr", *addr, "lun_size", formatSize(size))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target, err := iscsi.Serve(ctx, params, &iscsi.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to start target", "error", err)
		os.Exit(1)
	}

	fmt.Printf("iSCSI target listening on %s\n", target.Addr())
	fmt.Printf("LUN size: %s (%d bytes)\n", formatSize(size), size)
	fmt.Printf("\nPress Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	cleanupDone := make(chan struct{})
	go func() {
		if err := iscsi.Close(target); err != nil {
			logger.Error("error stopping target", "error", err)
		}
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(5 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
