package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/katsacademy/kats-core/internal/config"
	"github.com/katsacademy/kats-core/internal/content"
	"github.com/katsacademy/kats-core/internal/illustration"
	"github.com/katsacademy/kats-core/internal/provider"
)

var version = "0.1.0-dev"

// kats-illustrate warms the illustration cache offline so story pages load
// instantly instead of waiting on image generation at read time.
func main() {
	var (
		configPath  string
		onlyBook    string
		delayMS     int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "kats.yaml", "Path to configuration file")
	flag.StringVar(&onlyBook, "book", "", "Only cache the book with this title")
	flag.IntVar(&delayMS, "delay", 0, "Override the pause between generations in milliseconds")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	delay := time.Duration(cfg.Illustration.PrefetchDelayMS) * time.Millisecond
	if delayMS > 0 {
		delay = time.Duration(delayMS) * time.Millisecond
	}

	books, err := content.LoadBooks(cfg.Content.BooksPath)
	if err != nil {
		logger.Error("failed to load books", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if onlyBook != "" {
		books = filterBooks(books, onlyBook)
		if len(books) == 0 {
			logger.Error("no book with that title", slog.String("title", onlyBook))
			os.Exit(1)
		}
	}

	store, err := illustration.NewStore(cfg.Illustration, logger)
	if err != nil {
		logger.Error("failed to open illustration cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	resolver := illustration.NewResolver(store, provider.NewClient(cfg.Provider, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var total illustration.PrefetchSummary
	start := time.Now()
	for _, book := range books {
		if ctx.Err() != nil {
			break
		}
		logger.Info("caching book",
			slog.String("title", book.Title),
			slog.Int("pages", len(book.Pages)))

		sum := resolver.PrefetchBook(ctx, book.Title, book.Descriptions(), delay)
		total.Generated += sum.Generated
		total.Skipped += sum.Skipped
		total.Errored += sum.Errored
	}

	logger.Info("cache run complete",
		slog.Int("generated", total.Generated),
		slog.Int("skipped", total.Skipped),
		slog.Int("errored", total.Errored),
		slog.Duration("elapsed", time.Since(start).Round(time.Second)))

	if total.Errored > 0 {
		os.Exit(1)
	}
}

func filterBooks(books []content.Book, title string) []content.Book {
	var out []content.Book
	for _, b := range books {
		if strings.EqualFold(b.Title, title) {
			out = append(out, b)
		}
	}
	return out
}
