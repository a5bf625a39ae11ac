package queue

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/droverlabs/drover/pkg/types"
)

// canonicalWork is the normalised identity of a task for deduplication.
// Field order matters only for the serialised form, which lists keys in
// sorted order.
type canonicalWork struct {
	File   string
	Prompt string
	Type   string
}

func canonicalise(t *types.Task) canonicalWork {
	return canonicalWork{
		File:   strings.ToLower(strings.TrimSpace(t.File)),
		Prompt: strings.Join(strings.Fields(t.Prompt), " "),
		Type:   strings.ToLower(t.Type),
	}
}

// Fingerprint derives the 128-bit dedup identity of a task: a structural
// hash of the canonical form concatenated with a content hash of its sorted
// serialisation, hex encoded. Two tasks that differ only in whitespace,
// file-path case, or type case collide by construction.
func Fingerprint(t *types.Task) (string, error) {
	c := canonicalise(t)

	structural, err := hashstructure.Hash(c, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint task: %w", err)
	}

	serial := "file=" + c.File + "\nprompt=" + c.Prompt + "\ntype=" + c.Type
	content := xxhash.Sum64String(serial)

	return fmt.Sprintf("%016x%016x", structural, content), nil
}
