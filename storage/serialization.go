// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"

	"github.com/poiesic/passim/core"
)

// Stored records are composed from mus serializers: varint integers,
// length-prefixed strings and a length-prefixed run of raw float32s.
var (
	sentenceMUS = sentenceSer{}
	manifestMUS = manifestSer{}
)

// unmarshaler is the decoding half of a mus serializer.
type unmarshaler[T any] interface {
	Unmarshal(bs []byte) (v T, n int, err error)
}

// reader walks a buffer field by field and keeps the first error.
type reader struct {
	bs  []byte
	n   int
	err error
}

func read[T any](r *reader, u unmarshaler[T]) (v T) {
	if r.err != nil {
		return
	}
	var n int
	v, n, r.err = u.Unmarshal(r.bs[r.n:])
	r.n += n
	return
}

// readLength reads a collection length and rejects one that cannot fit in
// the remaining bytes at minSize bytes per element.
func readLength(r *reader, minSize int) int {
	length := read[int](r, varint.PositiveInt)
	if r.err == nil && (length < 0 || length > (len(r.bs)-r.n)/minSize) {
		r.err = fmt.Errorf("length %d exceeds remaining %d bytes", length, len(r.bs)-r.n)
	}
	return length
}

type sentenceSer struct{}

func (sentenceSer) Marshal(s *core.Sentence, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(s.Id), bs)
	n += ord.String.Marshal(s.DocumentId, bs[n:])
	n += ord.String.Marshal(s.Text, bs[n:])
	n += ord.String.Marshal(s.SectionTitle, bs[n:])
	n += ord.String.Marshal(s.SectionNumber, bs[n:])
	n += varint.Int.Marshal(s.SentenceIndex, bs[n:])
	n += varint.Int.Marshal(s.GlobalIndex, bs[n:])
	n += varint.PositiveInt.Marshal(len(s.Vector), bs[n:])
	for _, x := range s.Vector {
		n += raw.Float32.Marshal(x, bs[n:])
	}
	// Sorted so equal sentences encode to equal bytes.
	keys := sortedKeys(s.Tags)
	n += varint.PositiveInt.Marshal(len(keys), bs[n:])
	for _, k := range keys {
		n += ord.String.Marshal(k, bs[n:])
		n += ord.String.Marshal(s.Tags[k], bs[n:])
	}
	return n
}

func (sentenceSer) Unmarshal(bs []byte) (*core.Sentence, int, error) {
	r := &reader{bs: bs}
	s := &core.Sentence{
		Id:            core.ID(read[uint64](r, varint.Uint64)),
		DocumentId:    read[string](r, ord.String),
		Text:          read[string](r, ord.String),
		SectionTitle:  read[string](r, ord.String),
		SectionNumber: read[string](r, ord.String),
		SentenceIndex: read[int](r, varint.Int),
		GlobalIndex:   read[int](r, varint.Int),
	}
	if dims := readLength(r, 4); r.err == nil && dims > 0 {
		s.Vector = make([]float32, dims)
		for i := range s.Vector {
			s.Vector[i] = read[float32](r, raw.Float32)
		}
	}
	if count := readLength(r, 2); r.err == nil && count > 0 {
		s.Tags = make(map[string]string, count)
		for range count {
			k := read[string](r, ord.String)
			s.Tags[k] = read[string](r, ord.String)
		}
	}
	if r.err != nil {
		return nil, r.n, r.err
	}
	return s, r.n, nil
}

func (sentenceSer) Size(s *core.Sentence) (size int) {
	size = varint.Uint64.Size(uint64(s.Id))
	size += ord.String.Size(s.DocumentId)
	size += ord.String.Size(s.Text)
	size += ord.String.Size(s.SectionTitle)
	size += ord.String.Size(s.SectionNumber)
	size += varint.Int.Size(s.SentenceIndex)
	size += varint.Int.Size(s.GlobalIndex)
	size += varint.PositiveInt.Size(len(s.Vector))
	for _, x := range s.Vector {
		size += raw.Float32.Size(x)
	}
	size += varint.PositiveInt.Size(len(s.Tags))
	for k, v := range s.Tags {
		size += ord.String.Size(k) + ord.String.Size(v)
	}
	return size
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type manifestSer struct{}

func (manifestSer) Marshal(m *core.Manifest, bs []byte) (n int) {
	n = ord.String.Marshal(m.Name, bs)
	n += ord.String.Marshal(m.EmbeddingModel, bs[n:])
	n += varint.Int.Marshal(m.Dimensions, bs[n:])
	n += varint.Int.Marshal(m.SentenceCount, bs[n:])
	n += ord.Bool.Marshal(m.Sealed, bs[n:])
	n += varint.Int64.Marshal(m.CreatedAt.UnixMicro(), bs[n:])
	n += varint.Int64.Marshal(sealedAtMicros(m), bs[n:])
	return n
}

func (manifestSer) Unmarshal(bs []byte) (*core.Manifest, int, error) {
	r := &reader{bs: bs}
	m := &core.Manifest{
		Name:           read[string](r, ord.String),
		EmbeddingModel: read[string](r, ord.String),
		Dimensions:     read[int](r, varint.Int),
		SentenceCount:  read[int](r, varint.Int),
		Sealed:         read[bool](r, ord.Bool),
		CreatedAt:      time.UnixMicro(read[int64](r, varint.Int64)).UTC(),
	}
	if sealedAt := read[int64](r, varint.Int64); sealedAt != 0 {
		m.SealedAt = time.UnixMicro(sealedAt).UTC()
	}
	if r.err != nil {
		return nil, r.n, r.err
	}
	return m, r.n, nil
}

func (manifestSer) Size(m *core.Manifest) (size int) {
	size = ord.String.Size(m.Name)
	size += ord.String.Size(m.EmbeddingModel)
	size += varint.Int.Size(m.Dimensions)
	size += varint.Int.Size(m.SentenceCount)
	size += ord.Bool.Size(m.Sealed)
	size += varint.Int64.Size(m.CreatedAt.UnixMicro())
	return size + varint.Int64.Size(sealedAtMicros(m))
}

func sealedAtMicros(m *core.Manifest) int64 {
	if m.SealedAt.IsZero() {
		return 0
	}
	return m.SealedAt.UnixMicro()
}

// MarshalID serializes an ID to 8 big-endian bytes, so byte order matches
// ID order in keys.
func MarshalID(id core.ID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: id has %d bytes", ErrSerializationFailed, len(data))
	}
	return core.ID(binary.BigEndian.Uint64(data)), nil
}

// MarshalSentence serializes a Sentence to bytes.
func MarshalSentence(s *core.Sentence) ([]byte, error) {
	buf := make([]byte, sentenceMUS.Size(s))
	sentenceMUS.Marshal(s, buf)
	return buf, nil
}

// UnmarshalSentence deserializes a Sentence from bytes.
func UnmarshalSentence(data []byte) (*core.Sentence, error) {
	s, n, err := sentenceMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: sentence: %v", ErrSerializationFailed, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: sentence has %d trailing bytes", ErrSerializationFailed, len(data)-n)
	}
	return s, nil
}

// MarshalManifest serializes a Manifest to bytes.
func MarshalManifest(m *core.Manifest) ([]byte, error) {
	buf := make([]byte, manifestMUS.Size(m))
	manifestMUS.Marshal(m, buf)
	return buf, nil
}

// UnmarshalManifest deserializes a Manifest from bytes.
func UnmarshalManifest(data []byte) (*core.Manifest, error) {
	m, n, err := manifestMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrSerializationFailed, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: manifest has %d trailing bytes", ErrSerializationFailed, len(data)-n)
	}
	return m, nil
}
