package badger

import (
	"encoding/binary"
	"fmt"

	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// Key prefixes for different data types. Each corpus gets its own key-space
// under "<prefix>:<corpus>:". Corpus names never contain ':'.
const (
	sentencePrefix = "snt"
	positionPrefix = "pos"
	manifestPrefix = "man"
	sequencePrefix = "seq"
)

func corpusPrefix(prefix, corpus string) []byte {
	return []byte(prefix + ":" + corpus + ":")
}

// makeSentenceKey generates a key for a sentence by ID.
// Format: snt:corpus:id
func makeSentenceKey(corpus string, id core.ID) []byte {
	prefix := corpusPrefix(sentencePrefix, corpus)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort matches ID order
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makePositionKey generates the section index key for a sentence position.
// Format: pos:corpus:sectionKey:index
// The section key is a hash, so distinct sections may share a position key.
// The value is therefore a bucket of IDs (see encodePositionBucket).
func makePositionKey(corpus, documentId, sectionTitle string, index int) []byte {
	prefix := corpusPrefix(positionPrefix, corpus)
	buf := make([]byte, len(prefix)+16)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(core.SectionKey(documentId, sectionTitle)))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(index))
	return buf
}

// makeManifestKey generates the catalog key for a corpus.
func makeManifestKey(corpus string) []byte {
	return []byte(manifestPrefix + ":" + corpus)
}

// makeSequenceKey names the ID sequence of a corpus.
func makeSequenceKey(corpus string) string {
	return sequencePrefix + ":" + corpus
}

// encodePositionBucket concatenates the 8-byte IDs filed under one position key.
func encodePositionBucket(ids []core.ID) []byte {
	buf := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		buf = append(buf, storage.MarshalID(id)...)
	}
	return buf
}

func decodePositionBucket(data []byte) ([]core.ID, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%w: position bucket has %d bytes", storage.ErrSerializationFailed, len(data))
	}
	ids := make([]core.ID, 0, len(data)/8)
	for off := 0; off < len(data); off += 8 {
		id, err := storage.UnmarshalID(data[off : off+8])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
