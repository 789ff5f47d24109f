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

// Package tokenizer maps text to and from integer token id sequences for the
// generation pipelines.
//
// Three strategies are supported, selected at construction:
//
//   - trained: a real vocabulary (token -> dense id) with an optional merge
//     table. Unknown words are split into fixed-length chunks before lookup.
//   - bpe: a tiktoken BPE encoding with embedded offline dictionaries, for
//     model bundles that declare one.
//   - hash: no vocabulary at all. Words are hashed into a bounded id range so
//     the rest of the pipeline can run deterministically; decode cannot
//     recover text and returns a placeholder per id.
//
// Construction never fails: malformed vocabulary or merge input degrades to
// the hash strategy instead of propagating an error. Callers that care about
// output quality must check Strategy().
package tokenizer

import (
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Strategy identifies how a Tokenizer maps text to ids.
type Strategy string

const (
	StrategyTrained Strategy = "trained"
	StrategyBPE     Strategy = "bpe"
	StrategyHash    Strategy = "hash"
)

const (
	// chunkLen is the fixed chunk length used to split words absent from
	// the trained vocabulary.
	chunkLen = 4

	// continuationPrefix marks subword tokens that attach to the previous
	// token during decode.
	continuationPrefix = "##"

	// DefaultFallbackVocabSize bounds the id range of the hash strategy.
	DefaultFallbackVocabSize = 8192

	// numSpecials is the count of reserved low ids (unk, bos, eos, pad).
	numSpecials = 4
)

// Special token names resolved from a trained vocabulary.
const (
	tokenUnknown = "<unk>"
	tokenBOS     = "<s>"
	tokenEOS     = "</s>"
	tokenPad     = "<pad>"
)

// Specials holds the designated special token ids.
type Specials struct {
	Unknown int32
	BOS     int32
	EOS     int32
	Pad     int32
}

// Config configures tokenizer construction.
type Config struct {
	// VocabPath is a JSON file mapping token string -> id. Optional.
	VocabPath string
	// MergesPath is a text file with one "left right" merge per line,
	// highest priority first. Optional, used only by the trained strategy.
	MergesPath string
	// Encoding names a tiktoken encoding (e.g. "cl100k_base"). When set
	// and loadable, the bpe strategy is used and VocabPath is ignored.
	Encoding string
	// FallbackVocabSize bounds the hash strategy id range.
	// Defaults to DefaultFallbackVocabSize.
	FallbackVocabSize int32
}

// Tokenizer converts between text and token ids.
// Immutable after construction; safe for concurrent use.
type Tokenizer struct {
	strategy Strategy
	logger   *zap.Logger

	// trained strategy state
	vocab    map[string]int32
	inverse  map[int32]string
	ranks    map[string]int // "left right" -> merge priority
	specials Specials
	size     int32

	// bpe strategy state
	bpe *bpeCodec

	// hash strategy state
	fallbackSize int32
}

// New builds a Tokenizer from the given config. It never returns an error:
// any failure to construct the requested strategy degrades to the hash
// strategy, which requires no external data.
func New(cfg Config, logger *zap.Logger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}

	fallbackSize := cfg.FallbackVocabSize
	if fallbackSize <= numSpecials {
		// The hash range must leave room above the reserved special ids.
		fallbackSize = DefaultFallbackVocabSize
	}

	t := &Tokenizer{
		strategy:     StrategyHash,
		logger:       logger,
		fallbackSize: fallbackSize,
		specials:     Specials{Unknown: 0, BOS: 1, EOS: 2, Pad: 3},
		size:         fallbackSize,
	}

	if cfg.Encoding != "" {
		codec, err := newBPECodec(cfg.Encoding)
		if err == nil {
			t.strategy = StrategyBPE
			t.bpe = codec
			t.size = codec.vocabSize()
			t.specials.EOS = codec.eos()
			return t
		}
		logger.Warn("BPE encoding unavailable, trying trained vocabulary",
			zap.String("encoding", cfg.Encoding),
			zap.Error(err))
	}

	if cfg.VocabPath != "" {
		if err := t.loadVocab(cfg.VocabPath, cfg.MergesPath); err != nil {
			logger.Warn("Trained vocabulary unavailable, using hash fallback",
				zap.String("vocab", cfg.VocabPath),
				zap.Error(err))
		} else {
			t.strategy = StrategyTrained
			return t
		}
	} else {
		logger.Info("No vocabulary configured, using hash fallback tokenizer")
	}

	return t
}

// Strategy returns the strategy this tokenizer was constructed with.
// Decode output quality differs categorically between strategies, so
// callers surfacing decoded text should log or tag this.
func (t *Tokenizer) Strategy() Strategy {
	return t.strategy
}

// VocabSize returns the exclusive upper bound of ids this tokenizer
// produces. Sampled ids must always lie in [0, VocabSize).
func (t *Tokenizer) VocabSize() int32 {
	return t.size
}

// Specials returns the designated special token ids.
func (t *Tokenizer) Specials() Specials {
	return t.specials
}

// EOS returns the end-of-sequence id.
func (t *Tokenizer) EOS() int32 {
	return t.specials.EOS
}

// Encode converts text to a token id sequence. The trained and hash
// strategies lowercase and whitespace-split the input; an end-of-sequence id
// is always appended so downstream stopping conditions hold for every
// strategy. Empty or whitespace-only input yields nil.
func (t *Tokenizer) Encode(text string) []int32 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}

	switch t.strategy {
	case StrategyBPE:
		return t.bpe.encode(text)
	case StrategyTrained:
		return t.encodeTrained(words)
	default:
		return t.encodeHash(words)
	}
}

// Decode converts ids back to text. Special tokens are skipped, tokens are
// joined with single spaces, and merge artifacts are collapsed. The hash
// strategy cannot recover text and emits one placeholder per id.
func (t *Tokenizer) Decode(ids []int32) string {
	if len(ids) == 0 {
		return ""
	}

	switch t.strategy {
	case StrategyBPE:
		return t.bpe.decode(ids)
	case StrategyTrained:
		return t.decodeTrained(ids)
	default:
		return t.decodeHash(ids)
	}
}

func (t *Tokenizer) encodeTrained(words []string) []int32 {
	ids := make([]int32, 0, len(words)+1)
	for _, word := range words {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.encodeChunks(word)...)
	}
	return append(ids, t.specials.EOS)
}

// encodeChunks splits a word absent from the vocabulary into fixed-length
// chunks, merges adjacent chunks that the merge table ranks, and looks each
// piece up, substituting the unknown id where no match exists.
func (t *Tokenizer) encodeChunks(word string) []int32 {
	runes := []rune(word)
	pieces := make([]string, 0, (len(runes)+chunkLen-1)/chunkLen)
	for start := 0; start < len(runes); start += chunkLen {
		end := start + chunkLen
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}

	pieces = t.applyMerges(pieces)

	ids := make([]int32, 0, len(pieces))
	for i, piece := range pieces {
		lookup := piece
		if i > 0 {
			// Continuation pieces are stored with the marker prefix.
			if id, ok := t.vocab[continuationPrefix+piece]; ok {
				ids = append(ids, id)
				continue
			}
		}
		if id, ok := t.vocab[lookup]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.specials.Unknown)
		}
	}
	return ids
}

// applyMerges greedily merges the highest-ranked adjacent pair until no
// ranked pair remains. With no merge table this is a no-op.
func (t *Tokenizer) applyMerges(pieces []string) []string {
	if len(t.ranks) == 0 {
		return pieces
	}

	for len(pieces) > 1 {
		bestIdx := -1
		bestRank := int(^uint(0) >> 1)
		for i := 0; i < len(pieces)-1; i++ {
			if rank, ok := t.ranks[pieces[i]+" "+pieces[i+1]]; ok && rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := pieces[bestIdx] + pieces[bestIdx+1]
		pieces = append(pieces[:bestIdx], append([]string{merged}, pieces[bestIdx+2:]...)...)
	}
	return pieces
}

func (t *Tokenizer) decodeTrained(ids []int32) string {
	var sb strings.Builder
	first := true
	for _, id := range ids {
		if t.isSpecial(id) {
			continue
		}
		token, ok := t.inverse[id]
		if !ok {
			continue
		}
		if attached, found := strings.CutPrefix(token, continuationPrefix); found {
			sb.WriteString(attached)
			continue
		}
		if !first {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
		first = false
	}
	return sb.String()
}

func (t *Tokenizer) encodeHash(words []string) []int32 {
	span := uint64(t.fallbackSize - numSpecials)
	ids := make([]int32, 0, len(words)+1)
	for _, word := range words {
		// Reserve the low ids for specials so hashed ids never collide
		// with them.
		ids = append(ids, numSpecials+int32(xxhash.Sum64String(word)%span))
	}
	return append(ids, t.specials.EOS)
}

func (t *Tokenizer) decodeHash(ids []int32) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if t.isSpecial(id) {
			continue
		}
		tokens = append(tokens, "?")
	}
	return strings.Join(tokens, " ")
}

func (t *Tokenizer) isSpecial(id int32) bool {
	s := t.specials
	return id == s.Unknown || id == s.BOS || id == s.EOS || id == s.Pad
}

// loadVocab reads a JSON token->id mapping and an optional merge table.
func (t *Tokenizer) loadVocab(vocabPath, mergesPath string) error {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return err
	}

	vocab := make(map[string]int32)
	if err := sonic.Unmarshal(data, &vocab); err != nil {
		return err
	}
	if len(vocab) == 0 {
		return errEmptyVocab
	}

	inverse := make(map[int32]string, len(vocab))
	var maxID int32 = -1
	for token, id := range vocab {
		inverse[id] = token
		if id > maxID {
			maxID = id
		}
	}

	t.vocab = vocab
	t.inverse = inverse
	t.size = maxID + 1
	t.specials = resolveSpecials(vocab)

	if mergesPath != "" {
		if err := t.loadMerges(mergesPath); err != nil {
			// Merges are optional; a bad merge table degrades chunk
			// assembly, not the tokenizer.
			t.logger.Warn("Ignoring unreadable merge table",
				zap.String("path", mergesPath),
				zap.Error(err))
		}
	}

	return nil
}

func (t *Tokenizer) loadMerges(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ranks := make(map[string]int)
	rank := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Count(line, " ") != 1 {
			continue
		}
		ranks[line] = rank
		rank++
	}

	t.ranks = ranks
	return nil
}

// resolveSpecials finds the special token ids in a vocabulary, keeping
// conventional defaults for any that are missing.
func resolveSpecials(vocab map[string]int32) Specials {
	s := Specials{Unknown: 0, BOS: 1, EOS: 2, Pad: 3}
	if id, ok := vocab[tokenUnknown]; ok {
		s.Unknown = id
	}
	if id, ok := vocab[tokenBOS]; ok {
		s.BOS = id
	}
	if id, ok := vocab[tokenEOS]; ok {
		s.EOS = id
	}
	if id, ok := vocab[tokenPad]; ok {
		s.Pad = id
	}
	return s
}

type vocabError string

func (e vocabError) Error() string { return string(e) }

const errEmptyVocab = vocabError("vocabulary is empty")
