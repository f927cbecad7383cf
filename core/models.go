package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for domain entities.
// Sentence IDs are assigned from a per-corpus sequence at ingestion.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// SectionKey identifies the (document, section) pair a sentence belongs to.
// Stores use it to build fixed-width position keys.
func SectionKey(documentId, sectionTitle string) ID {
	return IDFromContent(documentId + "\x00" + sectionTitle)
}

// Sentence is the atomic retrievable unit of a corpus.
// Sentences are written once by ingestion and never mutated by retrieval.
type Sentence struct {
	Id            ID
	DocumentId    string
	Text          string
	SectionTitle  string
	SectionNumber string
	SentenceIndex int               // Zero-based position within (DocumentId, SectionTitle)
	GlobalIndex   int               // Position within the whole document, informational only
	Vector        []float32         // Embedding vector (populated by ingestion)
	Tags          map[string]string // Optional filter tags (e.g., "court", "decision")
}

// SameSection reports whether s and other live in the same document section.
func (s *Sentence) SameSection(other *Sentence) bool {
	return s.DocumentId == other.DocumentId && s.SectionTitle == other.SectionTitle
}

// Slot holds either a Sentence or nothing. The zero value is EmptySentence.
type Slot struct {
	sentence *Sentence
}

// EmptySentence marks a position where no sentence exists, such as the
// neighbour of the first or last sentence of a section. It is not an error.
var EmptySentence = Slot{}

// SlotOf wraps a sentence. A nil sentence yields EmptySentence.
func SlotOf(s *Sentence) Slot {
	return Slot{sentence: s}
}

// Get returns the sentence and true, or nil and false for EmptySentence.
func (s Slot) Get() (*Sentence, bool) {
	return s.sentence, s.sentence != nil
}

// IsEmpty reports whether the slot is EmptySentence.
func (s Slot) IsEmpty() bool {
	return s.sentence == nil
}

// Text returns the sentence text, or "" for EmptySentence.
func (s Slot) Text() string {
	if s.sentence == nil {
		return ""
	}
	return s.sentence.Text
}

// SearchHit is a sentence returned by vector search with its raw similarity.
type SearchHit struct {
	Sentence   *Sentence
	Similarity float32
}

// RetrievalResult is a ranked match together with its section context.
type RetrievalResult struct {
	MatchId    ID // Sentence returned by search; Target may differ when an offset is applied
	Target     Slot
	Next       Slot
	Previous   Slot
	Similarity float32 // Raw search score of MatchId
	Rank       int     // 1-based position in the result list
}

// Manifest describes one immutable corpus snapshot.
type Manifest struct {
	Name           string
	EmbeddingModel string
	Dimensions     int
	SentenceCount  int
	Sealed         bool
	CreatedAt      time.Time
	SealedAt       time.Time
}
