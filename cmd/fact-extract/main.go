// Package main is the entry point for the fact-extract CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/veridata/fact-extract/internal/api"
	"github.com/veridata/fact-extract/internal/chunker"
	"github.com/veridata/fact-extract/internal/config"
	"github.com/veridata/fact-extract/internal/embedder"
	"github.com/veridata/fact-extract/internal/extractor"
	"github.com/veridata/fact-extract/internal/llm"
	"github.com/veridata/fact-extract/internal/pipeline"
	"github.com/veridata/fact-extract/internal/reader"
	"github.com/veridata/fact-extract/internal/storage"
	"github.com/veridata/fact-extract/internal/verifier"
	"github.com/veridata/fact-extract/pkg/logger"
	"github.com/veridata/fact-extract/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment still wins.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "fact-extract",
		Short:   "LLM-backed fact extraction pipeline",
		Long:    "Extracts verifiable factual statements from documents, verifies them against their source context, and persists them in tabular and semantic form.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newFactsCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd.Execute()
}

// buildService wires the pipeline service from configuration.
func buildService(cfg *config.Config, log *logger.Logger) (*pipeline.Service, error) {
	provider, err := llm.NewProvider(&cfg.LLM, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	embCfg := embedder.DefaultConfig(cfg.LLM.OpenAIKey)
	embCfg.Model = cfg.LLM.EmbeddingModel
	emb, err := embedder.NewOpenAIEmbedder(embCfg, log)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	chunkStore, err := storage.NewChunkStore(cfg.Storage.ChunksPath(), log)
	if err != nil {
		return nil, err
	}
	factStore, err := storage.NewFactStore(cfg.Storage.FactsPath(), log)
	if err != nil {
		return nil, err
	}
	rejectedStore, err := storage.NewRejectedFactStore(cfg.Storage.RejectedFactsPath(), log)
	if err != nil {
		return nil, err
	}
	index, err := storage.NewLocalVectorIndex(cfg.Storage.EmbeddingsDir(), cfg.Storage.CollectionName, emb, log)
	if err != nil {
		return nil, err
	}

	chk, err := chunker.New(chunker.Config{
		ChunkSizeWords:    cfg.Pipeline.ChunkSizeWords,
		ChunkOverlapWords: cfg.Pipeline.ChunkOverlapWords,
	}, chunkStore, log)
	if err != nil {
		return nil, err
	}

	return pipeline.NewService(cfg.Pipeline, pipeline.Deps{
		Chunker:   chk,
		Extractor: extractor.New(provider, "", log),
		Verifier:  verifier.New(provider, "", log),
		Chunks:    chunkStore,
		Facts:     factStore,
		Rejected:  rejectedStore,
		Index:     index,
		Logger:    log,
	})
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()
	return cfg, log, nil
}

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "ingest [files or directories]",
		Short: "Extract and verify facts from documents",
		Long:  "Reads the given documents (txt, md, pdf, docx, odt), extracts candidate facts with the LLM, verifies each against its source chunk, and persists the results.",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Ingest a single document
  fact-extract ingest report.pdf

  # Ingest a directory of documents
  fact-extract ingest ./documents/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			paths, err := collectFiles(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no supported documents found")
			}

			r := reader.New(log)
			var bar *progressbar.ProgressBar
			if !quiet {
				bar = progressbar.Default(int64(len(paths)), "ingesting")
			}

			ctx := cmd.Context()
			exitErr := 0
			for _, path := range paths {
				if bar != nil {
					bar.Describe(filepath.Base(path))
				}

				doc, err := r.Read(path)
				if err != nil {
					log.WithError(err).Error("failed to read document", "path", path)
					exitErr++
					advance(bar)
					continue
				}

				report, err := svc.Submit(ctx, doc.Name, doc.Text, doc.SourceURI)
				if err != nil {
					log.WithError(err).Error("failed to process document", "path", path)
					exitErr++
					advance(bar)
					continue
				}

				printReport(report)
				advance(bar)
			}

			if exitErr > 0 {
				return fmt.Errorf("%d of %d documents failed", exitErr, len(paths))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the progress bar")
	return cmd
}

// newFactsCmd creates the facts subcommand.
func newFactsCmd() *cobra.Command {
	var documentName string
	var includeRejected bool

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List stored facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			facts := svc.GetFacts(documentName, !includeRejected)
			return printJSON(facts)
		},
	}

	cmd.Flags().StringVarP(&documentName, "document", "d", "", "Restrict to one document")
	cmd.Flags().BoolVar(&includeRejected, "include-rejected", false, "Include rejected facts")
	return cmd
}

// newSearchCmd creates the search subcommand.
func newSearchCmd() *cobra.Command {
	var topK int
	var documentName string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over verified facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			var filters *storage.QueryFilters
			if documentName != "" {
				filters = &storage.QueryFilters{DocumentName: documentName}
			}

			results, err := svc.Search(cmd.Context(), args[0], topK, filters)
			if err != nil {
				return err
			}

			for _, res := range results {
				fmt.Printf("%.3f  [%s]  %s\n", res.Similarity, res.Fact.DocumentName, res.Fact.Statement)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of results")
	cmd.Flags().StringVarP(&documentName, "document", "d", "", "Restrict to one document")
	return cmd
}

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			routerCfg := api.DefaultRouterConfig()
			routerCfg.Version = Version
			router := api.NewRouter(svc, log.Logger, routerCfg)

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: router,
			}

			handler := shutdown.New(log.Logger, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			handler.RegisterNamed("http_server", func(ctx context.Context) error {
				return server.Shutdown(ctx)
			})
			done := handler.ListenAndShutdown()

			log.Info("http server starting", "port", cfg.Server.Port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			<-done
			return nil
		},
	}
}

// newPurgeCmd creates the purge subcommand.
func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <document-name>",
		Short: "Remove all chunks, facts and vectors of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			removed, err := svc.PurgeDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("removed %d rows\n", removed)
			return nil
		},
	}
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store sizes and consistency state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			svc, err := buildService(cfg, log)
			if err != nil {
				return err
			}

			out := struct {
				Stats      pipeline.Stats `json:"stats"`
				Violations []string       `json:"violations,omitempty"`
			}{
				Stats:      svc.GetStats(),
				Violations: svc.VerifyConsistency(),
			}
			return printJSON(out)
		},
	}
}

// collectFiles expands the arguments into the supported files they contain.
func collectFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && reader.Supported(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func printReport(report *pipeline.Report) {
	if report.AlreadyComplete {
		fmt.Printf("\n%s: already fully processed, nothing to do\n", report.DocumentName)
		return
	}
	fmt.Printf("\n%s: %d/%d chunks, %d candidates, %d verified, %d rejected, %d duplicates",
		report.DocumentName,
		report.ChunksProcessed, report.TotalChunks,
		report.CandidatesExtracted, report.Verified, report.Rejected, report.Duplicates,
	)
	if len(report.Errors) > 0 {
		fmt.Printf(", %d errors", len(report.Errors))
	}
	fmt.Println()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func advance(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Add(1)
	}
}
