package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/evalgo/docforge/cache"
	"github.com/evalgo/docforge/config"
	"github.com/evalgo/docforge/embedding"
	"github.com/evalgo/docforge/ontology"
	"github.com/evalgo/docforge/parsers"
	"github.com/evalgo/docforge/parsers/plaintext"
	"github.com/evalgo/docforge/processor"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/runcoordinator"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/sources/couchdb"
	"github.com/evalgo/docforge/sources/fs"
	"github.com/evalgo/docforge/sources/s3"
	"github.com/evalgo/docforge/storage"
)

// buildSourceRegistry registers every adapter this module ships with,
// the way a deployment's own main would register its own plus these —
// the registry itself stays a plain dependency built once per process,
// never a package-level global (see sources.Registry's doc comment).
func buildSourceRegistry() *sources.Registry {
	reg := sources.NewRegistry()
	reg.Register("fs", fs.New)
	reg.Register("s3", s3.New)
	reg.Register("couchdb", couchdb.New)
	return reg
}

// buildSources instantiates every configured content source by name,
// wrapping each in sources.Cached when a cache backend is configured so
// repeated HasChanged checks during a long run spare the backend a
// round trip for documents fetched within the configured TTL.
func buildSources(cfg *config.Config, changeCache sources.ChangeCache) (map[string]sources.Source, error) {
	reg := buildSourceRegistry()
	configs := make([]sources.SourceConfig, len(cfg.ContentSources))
	for i, c := range cfg.ContentSources {
		configs[i] = sources.SourceConfig{Name: c.Name, Type: c.Type, Params: c.Params}
	}
	built, err := reg.Build(configs)
	if err != nil {
		return nil, err
	}
	if changeCache == nil {
		return built, nil
	}
	ttl := cfg.Cache.LastSeenTTL()
	wrapped := make(map[string]sources.Source, len(built))
	for name, src := range built {
		wrapped[name] = sources.NewCached(src, changeCache, ttl)
	}
	return wrapped, nil
}

// buildCache connects to the optional Redis-compatible cache backend;
// returns nil, nil when cache.addr is unset so callers treat caching as
// disabled rather than erroring.
func buildCache(cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.Cache.Addr == "" {
		return nil, nil
	}
	return cache.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, "")
}

// buildParserRegistry registers the one illustrative parser this module
// ships (spec §1: format parsers are external collaborators); a real
// deployment registers markdown/pdf/docx/etc. the same way.
func buildParserRegistry() *parsers.Registry {
	reg := parsers.NewRegistry()
	reg.Register("plaintext", plaintext.New)
	return reg
}

// buildStore connects to the configured backend. Only "postgres" passes
// config.Load's validation (spec §4.1's row-locking requirement), so
// this is the sole constructor path.
func buildStore(ctx context.Context, cfg *config.Config) (*storage.PostgresStore, error) {
	return storage.NewPostgresStore(ctx, cfg.Storage.DSN)
}

// buildQueue wires a queue.Queue from the processing config's
// retry/backoff knobs, attaching claimCache as its lost-claim-race
// backoff counter when one is configured.
func buildQueue(store *storage.PostgresStore, cfg *config.Config, claimCache queue.ClaimCache) *queue.Queue {
	q := queue.New(store.Pool(), queue.Config{
		MaxRetries:  cfg.Processing.MaxRetries,
		BackoffBase: time.Duration(cfg.Processing.BackoffBaseSeconds) * time.Second,
		BackoffMax:  time.Duration(cfg.Processing.BackoffMaxSeconds) * time.Second,
	})
	if claimCache != nil {
		q.SetClaimCache(claimCache)
	}
	return q
}

// buildOntology loads and merges every configured ontology file's rules
// into the single Ontology the extractor runs; when more than one file
// is configured, later files' rules are appended after earlier ones, so
// declaration order (which spec §4.5's "run every applicable rule in
// declaration order" depends on) is preserved across files too.
func buildOntology(cfg *config.Config) (*ontology.Ontology, error) {
	if len(cfg.Domain.OntologyPaths) == 0 {
		return &ontology.Ontology{}, nil
	}
	merged, err := ontology.Load(cfg.Domain.OntologyPaths[0])
	if err != nil {
		return nil, err
	}
	for _, path := range cfg.Domain.OntologyPaths[1:] {
		o, err := ontology.Load(path)
		if err != nil {
			return nil, err
		}
		merged.Terms = append(merged.Terms, o.Terms...)
		merged.ElementEntityMappings = append(merged.ElementEntityMappings, o.ElementEntityMappings...)
		merged.EntityRelationshipRules = append(merged.EntityRelationshipRules, o.EntityRelationshipRules...)
	}
	return merged, nil
}

// noopEmbedder is the embedding.BaseEmbedder buildProcessor wires in; it
// returns a nil vector rather than erroring. Process calls it only when
// embedding.enabled is set.
type noopEmbedder struct{}

func (noopEmbedder) Embed(text string) ([]float64, error) { return nil, nil }

// buildProcessor assembles a processor.Processor from every collaborator
// a deployment config names, including the FormatOf/ResolveLink
// callbacks spec §4.4 leaves as deployment-specific heuristics.
func buildProcessor(store storage.Store, q *queue.Queue, srcs map[string]sources.Source, cfg *config.Config) (*processor.Processor, error) {
	ont, err := buildOntology(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading ontology: %w", err)
	}

	maxTokens := cfg.Embedding.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	packer := embedding.NewPacker(maxTokens)

	return &processor.Processor{
		Store:            store,
		Queue:            q,
		Sources:          srcs,
		Parsers:          buildParserRegistry(),
		Ontology:         ont,
		Packer:           packer,
		BaseEmbedder:     noopEmbedder{},
		FormatOf:         formatOfMetadata,
		ResolveLink:      resolveLinkAgainstSources(srcs),
		MaxLinkDepth:     cfg.Processing.MaxLinkDepth,
		EmbeddingEnabled: cfg.Embedding.Enabled,
	}, nil
}

// formatOfMetadata resolves the parser format tag from the "format"
// metadata key a content source is expected to set; when that key is
// missing or empty it falls back to "plaintext".
func formatOfMetadata(metadata map[string]any) (string, error) {
	if f, ok := metadata["format"].(string); ok && f != "" {
		return f, nil
	}
	return "plaintext", nil
}

// resolveLinkAgainstSources implements spec §4.4 step 3's "heuristic:
// URL pattern matching against registered sources": a link target is
// claimed by the first source whose name prefixes it as
// "<source_name>:<path>", the same doc_id convention package sources/fs
// uses. Deployments with a richer routing need (e.g. matching full
// URLs against a source's base path) provide their own LinkResolver.
func resolveLinkAgainstSources(srcs map[string]sources.Source) processor.LinkResolver {
	return func(target string) (string, string, bool) {
		for name := range srcs {
			prefix := name + ":"
			if len(target) > len(prefix) && target[:len(prefix)] == prefix {
				return name, target, true
			}
		}
		return "", "", false
	}
}

// buildRunCoordinator wires a runcoordinator.Coordinator over store.
func buildRunCoordinator(store storage.Store) *runcoordinator.Coordinator {
	return runcoordinator.New(store)
}

// hostname returns the local hostname, falling back to "unknown" so a
// misconfigured environment never blocks worker registration.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
