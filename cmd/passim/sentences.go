package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/passim/core"
)

// sentenceJSON is one line of an ingest file and one sentence of query output.
type sentenceJSON struct {
	Id            core.ID           `json:"id,omitempty"`
	DocumentId    string            `json:"document_id"`
	SectionTitle  string            `json:"section_title"`
	SectionNumber string            `json:"section_number,omitempty"`
	SentenceIndex int               `json:"sentence_index"`
	GlobalIndex   int               `json:"global_index,omitempty"`
	Text          string            `json:"text"`
	Tags          map[string]string `json:"tags,omitempty"`
	Vector        []float32         `json:"vector,omitempty"`
}

func toSentenceJSON(s core.Slot) *sentenceJSON {
	sentence, ok := s.Get()
	if !ok {
		return nil
	}
	return &sentenceJSON{
		Id:            sentence.Id,
		DocumentId:    sentence.DocumentId,
		SectionTitle:  sentence.SectionTitle,
		SectionNumber: sentence.SectionNumber,
		SentenceIndex: sentence.SentenceIndex,
		GlobalIndex:   sentence.GlobalIndex,
		Text:          sentence.Text,
		Tags:          sentence.Tags,
	}
}

// readSentences parses one JSON object per line. Blank lines are skipped.
func readSentences(r io.Reader) ([]*core.Sentence, error) {
	var sentences []*core.Sentence
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var record sentenceJSON
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&record); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		s := &core.Sentence{
			DocumentId:    record.DocumentId,
			SectionTitle:  record.SectionTitle,
			SectionNumber: record.SectionNumber,
			SentenceIndex: record.SentenceIndex,
			GlobalIndex:   record.GlobalIndex,
			Text:          record.Text,
			Tags:          record.Tags,
			Vector:        record.Vector,
		}
		if err := core.ValidateSentence(s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		sentences = append(sentences, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return sentences, nil
}
