// Copyright 2026 The Gristmill Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"go.chromium.org/luci/common/errors"
)

// Digest is the lowercase hex SHA-256 of a blob's content.
type Digest string

const digestLength = sha256.Size * 2

// NewHash returns the hash function blobs are keyed by.
func NewHash() hash.Hash { return sha256.New() }

// Sum converts a finished hash into a Digest.
func Sum(h hash.Hash) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// HashBytes returns the digest of a byte slice.
func HashBytes(content []byte) Digest {
	h := NewHash()
	_, _ = h.Write(content)
	return Sum(h)
}

// Hash returns the digest and size of everything readable from src.
func Hash(src io.Reader) (Digest, int64, error) {
	h := NewHash()
	n, err := io.Copy(h, src)
	if err != nil {
		return "", 0, err
	}
	return Sum(h), n, nil
}

// HashFile returns the digest and size of a file on disk.
func HashFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Hash(f)
}

// Validate checks that the digest is well formed.
func (d Digest) Validate() error {
	if len(d) != digestLength {
		return errors.Reason("digest %q: expected %d hex chars", d, digestLength).Err()
	}
	for _, c := range d {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return errors.Reason("digest %q: not lowercase hex", d).Err()
		}
	}
	return nil
}
