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
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const endOfText = "<|endoftext|>"

func init() {
	// Use embedded dictionaries so encoding construction never touches the
	// network. On-device generation must work offline.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// bpeCodec wraps a tiktoken encoding for model bundles that declare one.
type bpeCodec struct {
	enc   *tiktoken.Tiktoken
	name  string
	eosID int32
}

func newBPECodec(encoding string) (*bpeCodec, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("getting tiktoken encoding %q: %w", encoding, err)
	}

	ids := enc.Encode(endOfText, []string{endOfText}, nil)
	if len(ids) != 1 {
		return nil, fmt.Errorf("encoding %q has no %s token", encoding, endOfText)
	}

	return &bpeCodec{enc: enc, name: encoding, eosID: int32(ids[0])}, nil
}

func (c *bpeCodec) encode(text string) []int32 {
	tokens := c.enc.Encode(text, nil, nil)
	ids := make([]int32, 0, len(tokens)+1)
	for _, tok := range tokens {
		ids = append(ids, int32(tok))
	}
	return append(ids, c.eosID)
}

func (c *bpeCodec) decode(ids []int32) string {
	tokens := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == c.eosID {
			continue
		}
		tokens = append(tokens, int(id))
	}
	return c.enc.Decode(tokens)
}

func (c *bpeCodec) vocabSize() int32 {
	// The endoftext id is the highest id tiktoken encodings produce.
	return c.eosID + 1
}

func (c *bpeCodec) eos() int32 {
	return c.eosID
}
