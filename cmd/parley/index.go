package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/rag/chunker"
	"github.com/haasonsaas/parley/internal/rag/index"
	ragtools "github.com/haasonsaas/parley/internal/tools/rag"
)

func buildIndexCmd() *cobra.Command {
	var (
		configPath   string
		docsDir      string
		outPath      string
		chunkSize    int
		chunkOverlap int
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the RAG index offline",
		Long: `Read .txt and .md documents, chunk them, build the TF-IDF index, and
write it to disk so a subsequent serve starts with a warm index.`,
		Example: `  parley index --docs ./docs --out rag_index.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if docsDir == "" {
				docsDir = cfg.RAG.DocsDir
			}
			if docsDir == "" {
				return fmt.Errorf("no documents directory: pass --docs or set rag.docs_dir")
			}
			if outPath == "" {
				outPath = cfg.RAG.IndexPath
			}
			if chunkSize == 0 {
				chunkSize = cfg.RAG.ChunkSize
			}
			if chunkOverlap == 0 {
				chunkOverlap = cfg.RAG.ChunkOverlap
			}

			toolset := ragtools.New(ragtools.Deps{
				Index:     index.New(),
				Chunker:   chunker.New(chunker.Config{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}),
				DocsDir:   docsDir,
				IndexPath: outPath,
			})
			report, err := toolset.IndexDocuments(cmd.Context(), docsDir)
			if err != nil {
				return err
			}
			fmt.Println(report)
			if outPath != "" {
				fmt.Println("Индекс сохранён в", outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default parley.yaml)")
	cmd.Flags().StringVar(&docsDir, "docs", "", "Documents directory (default from config)")
	cmd.Flags().StringVar(&outPath, "out", "", "Index output path (default from config)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Chunk size in characters (default from config)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Chunk overlap in characters (default from config)")
	return cmd
}
