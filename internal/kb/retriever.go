// Package kb provides agent knowledge-base retrieval for factual caller
// questions.
//
// Documents are chunked and embedded offline into a pgvector-indexed
// Postgres table. At call time the retriever embeds the caller's question
// and returns the closest chunks by cosine distance; when no embeddings
// provider is available it degrades to a keyword ILIKE search.
package kb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/voxloop/voxloop/pkg/provider/embeddings"
)

// Schema is the SQL DDL for the knowledge-base chunks table.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS kb_chunks (
    id        TEXT PRIMARY KEY,
    agent_id  TEXT NOT NULL,
    content   TEXT NOT NULL,
    embedding vector(1536),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_kb_chunks_agent ON kb_chunks(agent_id);
CREATE INDEX IF NOT EXISTS idx_kb_chunks_embedding ON kb_chunks
    USING hnsw (embedding vector_cosine_ops);
`

// maxChunkBytes caps how much of a chunk is injected into the LLM context.
const maxChunkBytes = 3072

// DB is the database interface used by [Retriever].
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Chunk is one retrieved knowledge-base passage.
type Chunk struct {
	ID       string
	Content  string
	Distance float64
}

// Retriever finds knowledge-base chunks relevant to a caller question.
type Retriever struct {
	db       DB
	embedder embeddings.Provider
	topK     int
}

// NewRetriever creates a Retriever. embedder may be nil, in which case only
// the keyword fallback is used.
func NewRetriever(db DB, embedder embeddings.Provider, topK int) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{db: db, embedder: embedder, topK: topK}
}

// Migrate executes the [Schema] DDL against the database.
func (r *Retriever) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("kb: migrate: %w", err)
	}
	return nil
}

// Retrieve returns up to topK chunks for agentID ranked by relevance to
// question. Vector search first, keyword fallback second.
func (r *Retriever) Retrieve(ctx context.Context, agentID, question string) ([]Chunk, error) {
	if r.embedder != nil {
		chunks, err := r.vectorSearch(ctx, agentID, question)
		if err == nil {
			return chunks, nil
		}
		// Fall through to keyword search; a degraded answer beats none.
	}
	return r.keywordSearch(ctx, agentID, question)
}

// vectorSearch embeds the question and ranks chunks by cosine distance.
func (r *Retriever) vectorSearch(ctx context.Context, agentID, question string) ([]Chunk, error) {
	embedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("kb: embed question: %w", err)
	}

	const q = `
		SELECT id, content, embedding <=> $2 AS distance
		FROM kb_chunks
		WHERE agent_id = $1 AND embedding IS NOT NULL
		ORDER BY distance
		LIMIT $3`

	rows, err := r.db.Query(ctx, q, agentID, pgvector.NewVector(embedding), r.topK)
	if err != nil {
		return nil, fmt.Errorf("kb: vector search: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// keywordSearch matches chunks containing any significant word of the
// question.
func (r *Retriever) keywordSearch(ctx context.Context, agentID, question string) ([]Chunk, error) {
	terms := significantTerms(question)
	if len(terms) == 0 {
		return nil, nil
	}

	conds := make([]string, len(terms))
	args := []any{agentID}
	for i, term := range terms {
		conds[i] = fmt.Sprintf("content ILIKE $%d", i+2)
		args = append(args, "%"+term+"%")
	}
	q := fmt.Sprintf(
		`SELECT id, content, 0.0 AS distance FROM kb_chunks WHERE agent_id = $1 AND (%s) LIMIT %d`,
		strings.Join(conds, " OR "), r.topK,
	)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kb: keyword search: %w", err)
	}
	defer rows.Close()

	return scanChunks(rows)
}

// scanChunks reads result rows, truncating oversized content.
func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Content, &c.Distance); err != nil {
			return nil, fmt.Errorf("kb: scan chunk: %w", err)
		}
		c.Content = truncate(c.Content, maxChunkBytes)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kb: iterate chunks: %w", err)
	}
	return chunks, nil
}

// significantTerms extracts lowercase words longer than three characters.
func significantTerms(question string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, ".,!?\"'()")
		if len(word) > 3 {
			terms = append(terms, word)
		}
	}
	return terms
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// ContextBlock renders retrieved chunks as a prompt section. Empty input
// yields an empty string.
func ContextBlock(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge base passages:\n")
	for _, c := range chunks {
		b.WriteString("- ")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	return b.String()
}
