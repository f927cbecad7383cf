package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDFromContent(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, IDFromContent("hello"), IDFromContent("hello"))
	})

	t.Run("different content yields different ids", func(t *testing.T) {
		assert.NotEqual(t, IDFromContent("hello"), IDFromContent("world"))
	})
}

func TestSectionKey(t *testing.T) {
	assert.Equal(t, SectionKey("D1", "Intro"), SectionKey("D1", "Intro"))
	assert.NotEqual(t, SectionKey("D1", "Intro"), SectionKey("D2", "Intro"))
	assert.NotEqual(t, SectionKey("D1", "Intro"), SectionKey("D1", "Facts"))

	// The separator keeps boundaries between the two components
	assert.NotEqual(t, SectionKey("D1I", "ntro"), SectionKey("D1", "Intro"))
}

func TestSlot(t *testing.T) {
	t.Run("empty sentence", func(t *testing.T) {
		assert.True(t, EmptySentence.IsEmpty())
		s, ok := EmptySentence.Get()
		assert.False(t, ok)
		assert.Nil(t, s)
		assert.Equal(t, "", EmptySentence.Text())
	})

	t.Run("zero value is empty", func(t *testing.T) {
		var slot Slot
		assert.Equal(t, EmptySentence, slot)
	})

	t.Run("slot of nil is empty", func(t *testing.T) {
		assert.True(t, SlotOf(nil).IsEmpty())
	})

	t.Run("present sentence", func(t *testing.T) {
		sentence := &Sentence{Id: 7, Text: "B."}
		slot := SlotOf(sentence)
		assert.False(t, slot.IsEmpty())
		got, ok := slot.Get()
		assert.True(t, ok)
		assert.Same(t, sentence, got)
		assert.Equal(t, "B.", slot.Text())
	})
}

func TestSentence_SameSection(t *testing.T) {
	a := &Sentence{DocumentId: "D1", SectionTitle: "Intro"}
	b := &Sentence{DocumentId: "D1", SectionTitle: "Intro", SentenceIndex: 4}
	c := &Sentence{DocumentId: "D1", SectionTitle: "Facts"}
	d := &Sentence{DocumentId: "D2", SectionTitle: "Intro"}

	assert.True(t, a.SameSection(b))
	assert.False(t, a.SameSection(c))
	assert.False(t, a.SameSection(d))
}
