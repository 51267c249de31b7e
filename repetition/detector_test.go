package repetition

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarityEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("", "anything"))
	assert.Equal(t, 0.0, Similarity("anything", ""))
}

func TestSimilarityExactMatchIsOne(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("I agree completely.", "I Agree Completely.  "))
}

func TestSimilarityPartialOverlap(t *testing.T) {
	sim := Similarity("the quick brown fox", "the quick red fox")
	assert.InDelta(t, 3.0/5.0, sim, 0.001)
}

func TestSimilarityNoOverlap(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("alpha beta", "gamma delta"))
}

func TestDetectorTriggersAfterConsecutiveSimilar(t *testing.T) {
	d := New(&Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 2, WindowSize: 5})

	r1 := d.Check("I agree completely.")
	d.Observe("I agree completely.")
	assert.False(t, r1.RepetitionLoop)

	r2 := d.Check("I agree completely.")
	d.Observe("I agree completely.")
	assert.False(t, r2.RepetitionLoop)
	assert.Equal(t, 1, r2.ConsecutiveSimilar)

	r3 := d.Check("I agree completely.")
	d.Observe("I agree completely.")
	assert.True(t, r3.RepetitionLoop)
	assert.Equal(t, 2, r3.ConsecutiveSimilar)
}

func TestDetectorResetsOnDissimilarTurn(t *testing.T) {
	d := New(DefaultConfig())
	d.Observe("I agree completely.")
	r1 := d.Check("I agree completely.")
	assert.Equal(t, 1, r1.ConsecutiveSimilar)
	d.Observe("I agree completely.")

	r2 := d.Check("Let's discuss something entirely different now.")
	assert.Equal(t, 0, r2.ConsecutiveSimilar)
}

func TestDetectorWindowEvictsOldest(t *testing.T) {
	d := New(&Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 5, WindowSize: 2})
	d.Observe("apple banana cherry")
	d.Observe("date fig grape")
	d.Observe("kiwi lemon mango")

	r := d.Check("apple banana cherry")
	assert.Equal(t, 0.0, r.MaxSimilarity)
}

func TestDetectorExplicitTerminationPhrase(t *testing.T) {
	d := New(DefaultConfig())
	r := d.Check("That concludes our discussion. [DONE]")
	assert.True(t, r.ExplicitTermination)
	assert.Equal(t, "[done]", r.TerminationPhrase)
}

func TestDetectorExplicitTerminationIndependentOfSimilarity(t *testing.T) {
	d := New(DefaultConfig())
	r := d.Check("end of conversation")
	assert.True(t, r.ExplicitTermination)
	assert.False(t, r.RepetitionLoop)
}

func TestDetectorDeterministicSameInputsSameState(t *testing.T) {
	inputs := []string{"hello there", "hello there", "hello there", "something new"}

	d1 := New(DefaultConfig())
	var results1 []Result
	for _, in := range inputs {
		results1 = append(results1, d1.Check(in))
		d1.Observe(in)
	}

	d2 := New(DefaultConfig())
	var results2 []Result
	for _, in := range inputs {
		results2 = append(results2, d2.Check(in))
		d2.Observe(in)
	}

	assert.Equal(t, results1, results2)
}

func TestResetClearsState(t *testing.T) {
	d := New(&Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 2, WindowSize: 5})
	d.Observe("hello")
	d.Check("hello")
	d.Reset()

	r := d.Check("hello")
	assert.Equal(t, 0.0, r.MaxSimilarity)
	assert.Equal(t, 0, r.ConsecutiveSimilar)
}
