// Copyright 2025 Antfly, Inc.
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

package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeVocab(t *testing.T, vocab string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, os.WriteFile(path, []byte(vocab), 0o644))
	return path
}

const testVocab = `{
	"<unk>": 0, "<s>": 1, "</s>": 2, "<pad>": 3,
	"once": 4, "upon": 5, "a": 6, "time": 7,
	"slee": 8, "##py": 9, "fox": 10, "sleepy": 11
}`

func TestTrainedRoundTrip(t *testing.T) {
	tok := New(Config{VocabPath: writeVocab(t, testVocab)}, zap.NewNop())
	require.Equal(t, StrategyTrained, tok.Strategy())

	ids := tok.Encode("Once upon a TIME")
	require.NotEmpty(t, ids)
	assert.Equal(t, tok.EOS(), ids[len(ids)-1])

	decoded := tok.Decode(ids)
	assert.Equal(t, "once upon a time", decoded)
}

func TestTrainedUnknownWordChunking(t *testing.T) {
	tok := New(Config{VocabPath: writeVocab(t, testVocab)}, zap.NewNop())

	// "sleeqq" is not in the vocab; it splits into "slee" + "qq".
	// "slee" resolves, "qq" does not and becomes the unknown id.
	ids := tok.Encode("sleeqq")
	require.Len(t, ids, 3) // slee, <unk>, </s>
	assert.Equal(t, int32(8), ids[0])
	assert.Equal(t, tok.Specials().Unknown, ids[1])
	assert.Equal(t, tok.EOS(), ids[2])
}

func TestTrainedContinuationDecode(t *testing.T) {
	tok := New(Config{VocabPath: writeVocab(t, testVocab)}, zap.NewNop())

	// "slee" + "##py" must collapse without a space.
	decoded := tok.Decode([]int32{8, 9, 10, tok.EOS()})
	assert.Equal(t, "sleepy fox", decoded)
}

func TestTrainedMergeTable(t *testing.T) {
	dir := t.TempDir()
	vocab := `{
		"<unk>": 0, "<s>": 1, "</s>": 2, "<pad>": 3,
		"moon": 4, "##lighters": 5
	}`
	vocabPath := filepath.Join(dir, "vocab.json")
	require.NoError(t, os.WriteFile(vocabPath, []byte(vocab), 0o644))
	mergesPath := filepath.Join(dir, "merges.txt")
	require.NoError(t, os.WriteFile(mergesPath, []byte("ligh ters\n"), 0o644))

	tok := New(Config{VocabPath: vocabPath, MergesPath: mergesPath}, zap.NewNop())
	require.Equal(t, StrategyTrained, tok.Strategy())

	// "moonlighters" is 12 runes: chunks "moon", "ligh", "ters". The merge
	// table joins the tail chunks into "lighters", which resolves via the
	// continuation entry instead of two unknowns.
	ids := tok.Encode("moonlighters")
	require.Equal(t, []int32{4, 5, tok.EOS()}, ids)
}

func TestMalformedVocabFallsBackToHash(t *testing.T) {
	tests := []struct {
		name  string
		vocab string
	}{
		{name: "invalid JSON", vocab: `{not json`},
		{name: "empty object", vocab: `{}`},
		{name: "wrong shape", vocab: `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := New(Config{VocabPath: writeVocab(t, tt.vocab)}, zap.NewNop())
			assert.Equal(t, StrategyHash, tok.Strategy())
			assert.NotEmpty(t, tok.Encode("still works"))
		})
	}
}

func TestMissingVocabFileFallsBackToHash(t *testing.T) {
	tok := New(Config{VocabPath: "/nonexistent/vocab.json"}, zap.NewNop())
	assert.Equal(t, StrategyHash, tok.Strategy())
}

func TestHashEncodeBounds(t *testing.T) {
	tok := New(Config{}, zap.NewNop())
	require.Equal(t, StrategyHash, tok.Strategy())

	ids := tok.Encode("the quick brown fox jumps over the lazy dog again and again")
	require.NotEmpty(t, ids)
	for _, id := range ids[:len(ids)-1] {
		assert.GreaterOrEqual(t, id, int32(4), "hashed ids must not collide with specials")
		assert.Less(t, id, tok.VocabSize())
	}
	assert.Equal(t, tok.EOS(), ids[len(ids)-1])
}

func TestTinyFallbackVocabSizeClamped(t *testing.T) {
	for _, size := range []int32{1, 4} {
		tok := New(Config{FallbackVocabSize: size}, zap.NewNop())
		require.Equal(t, StrategyHash, tok.Strategy())
		assert.Equal(t, int32(DefaultFallbackVocabSize), tok.VocabSize())

		ids := tok.Encode("calm ocean")
		require.Len(t, ids, 3)
		for _, id := range ids[:2] {
			assert.GreaterOrEqual(t, id, int32(4))
			assert.Less(t, id, tok.VocabSize())
		}
	}
}

func TestHashEncodeDeterministic(t *testing.T) {
	tok := New(Config{}, zap.NewNop())
	assert.Equal(t, tok.Encode("calm ocean"), tok.Encode("calm ocean"))
}

func TestHashDecodePlaceholder(t *testing.T) {
	tok := New(Config{}, zap.NewNop())
	ids := tok.Encode("two words")
	decoded := tok.Decode(ids)
	assert.Equal(t, "? ?", decoded)
}

func TestEncodeEmptyInput(t *testing.T) {
	for _, tok := range []*Tokenizer{
		New(Config{}, zap.NewNop()),
		New(Config{VocabPath: "/nonexistent"}, zap.NewNop()),
	} {
		assert.Nil(t, tok.Encode(""))
		assert.Nil(t, tok.Encode("   \t\n"))
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	tok := New(Config{}, zap.NewNop())
	assert.Equal(t, "", tok.Decode(nil))
}

func TestSpecialsResolvedFromVocab(t *testing.T) {
	vocab := `{"</s>": 42, "<unk>": 41, "word": 0}`
	tok := New(Config{VocabPath: writeVocab(t, vocab)}, zap.NewNop())
	require.Equal(t, StrategyTrained, tok.Strategy())
	assert.Equal(t, int32(42), tok.EOS())
	assert.Equal(t, int32(41), tok.Specials().Unknown)
}

func TestBPEStrategy(t *testing.T) {
	tok := New(Config{Encoding: "cl100k_base"}, zap.NewNop())
	require.Equal(t, StrategyBPE, tok.Strategy())

	ids := tok.Encode("a sleepy fox")
	require.NotEmpty(t, ids)
	assert.Equal(t, tok.EOS(), ids[len(ids)-1])
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, int32(0))
		assert.Less(t, id, tok.VocabSize())
	}

	decoded := tok.Decode(ids)
	assert.Contains(t, decoded, "sleepy fox")
}

func TestUnknownBPEEncodingFallsBack(t *testing.T) {
	tok := New(Config{Encoding: "no_such_encoding"}, zap.NewNop())
	assert.Equal(t, StrategyHash, tok.Strategy())
}
