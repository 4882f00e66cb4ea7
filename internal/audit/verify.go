package audit

import (
	"fmt"
)

// VerifyChain recomputes every entry hash, link and signature to detect
// tampering anywhere in the journal.
func (j *Journal) VerifyChain() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, e := range j.entries {
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", e.Index, err)
		}
		if h != e.Hash {
			return fmt.Errorf("hash mismatch at index %d", e.Index)
		}

		if i > 0 && e.PrevHash != j.entries[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", e.Index)
		}
		if e.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, e.Index)
		}

		ok, err := VerifySignatureFromHex(e.PubKey, []byte(e.Hash), e.Signature)
		if err != nil {
			return fmt.Errorf("verify signature at index %d: %w", e.Index, err)
		}
		if !ok {
			return fmt.Errorf("signature invalid at index %d", e.Index)
		}
	}
	return nil
}
