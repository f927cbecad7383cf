package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/passim"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/ingestion"
	"github.com/poiesic/passim/retrieval"
	"github.com/poiesic/passim/storage"
)

func openEngine(c *cli.Context) (*passim.Engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	engine, err := passim.Open(c.Context, cfg, engineOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

func queryCommand(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return fmt.Errorf("query text is required")
	}

	filter, err := parseFilter(c.StringSlice("filter"))
	if err != nil {
		return err
	}

	req := retrieval.Request{
		Text:   text,
		Title:  c.String("title"),
		Offset: c.Int("offset"),
		TopK:   c.Int("top-k"),
		Filter: filter,
	}
	if c.IsSet("threshold") {
		req.SimilarityThreshold = retrieval.Threshold(float32(c.Float64("threshold")))
	}

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	results, err := engine.Query(c.Context, req)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if c.Bool("json") {
		return writeResultsJSON(c.App.Writer, results)
	}
	writeResults(c.App.Writer, results)
	return nil
}

// parseFilter turns key=value pairs into a tag filter.
func parseFilter(pairs []string) (storage.Filter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(storage.Filter, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: expected key=value", pair)
		}
		filter[key] = value
	}
	return filter, nil
}

func writeResults(w io.Writer, results []*core.RetrievalResult) {
	fmt.Fprintf(w, "Found %d matches\n", len(results))
	for _, r := range results {
		fmt.Fprintf(w, "%d: [%0.3f] %s\n", r.Rank, r.Similarity, slotText(r.Target))
		if !r.Previous.IsEmpty() {
			fmt.Fprintf(w, "   previous: %s\n", r.Previous.Text())
		}
		if !r.Next.IsEmpty() {
			fmt.Fprintf(w, "   next: %s\n", r.Next.Text())
		}
	}
}

func slotText(s core.Slot) string {
	if s.IsEmpty() {
		return "(no sentence)"
	}
	target, _ := s.Get()
	return fmt.Sprintf("%s (%s / %s #%d)", target.Text, target.DocumentId, target.SectionTitle, target.SentenceIndex)
}

type resultJSON struct {
	Rank       int           `json:"rank"`
	Similarity float32       `json:"similarity"`
	MatchId    core.ID       `json:"match_id"`
	Target     *sentenceJSON `json:"target"`
	Previous   *sentenceJSON `json:"previous"`
	Next       *sentenceJSON `json:"next"`
}

func writeResultsJSON(w io.Writer, results []*core.RetrievalResult) error {
	out := make([]resultJSON, len(results))
	for i, r := range results {
		out[i] = resultJSON{
			Rank:       r.Rank,
			Similarity: r.Similarity,
			MatchId:    r.MatchId,
			Target:     toSentenceJSON(r.Target),
			Previous:   toSentenceJSON(r.Previous),
			Next:       toSentenceJSON(r.Next),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one input file is required")
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	sentences, err := readSentences(f)
	if err != nil {
		return err
	}

	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	corpus := c.String("corpus")
	if corpus == "" {
		corpus = engine.Selector().Corpus
	}

	var opts []ingestion.Option
	if c.IsSet("batch-size") {
		opts = append(opts, ingestion.WithBatchSize(c.Int("batch-size")))
	}
	pipeline, err := engine.NewIngestionPipeline(c.Context, corpus, true, opts...)
	if err != nil {
		return err
	}
	defer pipeline.Release()

	result, err := pipeline.Ingest(c.Context, sentences)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Ingested %d sentences into %q (%d embedded, %d batches)\n",
		result.Inserted, corpus, result.Embedded, result.Batches)

	if c.Bool("seal") {
		if err := pipeline.Seal(c.Context); err != nil {
			return fmt.Errorf("failed to seal corpus: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "Sealed %q\n", corpus)
	}
	return nil
}

func reembedCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("max-retries") {
		if c.Int("max-retries") <= 0 {
			return fmt.Errorf("max-retries must be greater than 0")
		}
		cfg.Embedding.MaxRetries = c.Int("max-retries")
	}
	if c.IsSet("retry-delay") {
		cfg.Embedding.RetryDelay = c.Duration("retry-delay")
	}

	engine, err := passim.Open(c.Context, cfg, engineOptions...)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer engine.Close()

	from := c.String("from")
	if from == "" {
		from = engine.Selector().Corpus
	}

	fmt.Fprintf(c.App.ErrWriter, "Embedding host: %s\n", cfg.AIConfig().EmbeddingHost)
	fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n", c.String("embedding-model"))
	fmt.Fprintln(c.App.ErrWriter)

	if _, err := engine.Reembed(c.Context, from, c.String("to"), c.String("embedding-model"), c.App.ErrWriter); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	return nil
}

func corporaCommand(c *cli.Context) error {
	engine, err := openEngine(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	manifests, err := engine.Corpora(c.Context)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tDIMS\tSENTENCES\tSEALED\tCREATED")
	for _, m := range manifests {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%t\t%s\n",
			m.Name, m.EmbeddingModel, m.Dimensions, m.SentenceCount, m.Sealed, m.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
