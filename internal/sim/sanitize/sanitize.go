// Package sanitize is the validation gate between untrusted text (LLM or
// player) and the planner. Sanitize is pure: same input, same verdict.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"voxelswarm.ai/internal/protocol"
)

type Verdict struct {
	Accept bool
	Code   string // protocol error code when rejected
	Reason string
}

func accepted() Verdict { return Verdict{Accept: true} }

func rejected(reason string) Verdict {
	return Verdict{Accept: false, Code: protocol.ErrSanitizeRejected, Reason: reason}
}

// Override phrases that try to re-target the planner rather than describe work.
// Matched case-insensitively against the collapsed text.
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+instructions?\b`),
	regexp.MustCompile(`(?i)\bdisregard\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|rules?)\b`),
	regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\s+(instructions?|rules?|training)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b`),
	regexp.MustCompile(`(?i)\b(system|developer)\s+prompt\b`),
	regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)\bpretend\s+(to\s+be|you\s+are)\b`),
	regexp.MustCompile(`(?i)\bdrop\s+(all|everything|your)\s+(items?|inventory|tools?)\b`),
}

type Sanitizer struct {
	maxLen int
}

func New(maxTextLen int) *Sanitizer {
	if maxTextLen <= 0 {
		maxTextLen = 2000
	}
	return &Sanitizer{maxLen: maxTextLen}
}

// Sanitize validates and cleans raw text. On reject the returned text is empty
// and must not reach the planner. No side effects, no suspension.
func (s *Sanitizer) Sanitize(raw string) (string, Verdict) {
	if hasControlChars(raw) {
		return "", rejected("control characters in input")
	}
	clean := collapseSpace(raw)
	if clean == "" {
		return "", rejected("empty input")
	}
	if len(clean) > s.maxLen {
		return "", rejected("input too long")
	}
	for _, p := range overridePatterns {
		if p.MatchString(clean) {
			return "", rejected("instruction-override phrase")
		}
	}
	return clean, accepted()
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// AuditRecord is the append-only trace of one submission. The raw text is
// stored only as a hash.
type AuditRecord struct {
	ID        string `json:"id"`
	Tick      uint64 `json:"tick"`
	Requester string `json:"requester"`
	TextHash  string `json:"text_hash"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

func NewAuditRecord(tick uint64, requester, raw string, v Verdict) AuditRecord {
	sum := sha256.Sum256([]byte(raw))
	return AuditRecord{
		ID:        uuid.NewString(),
		Tick:      tick,
		Requester: requester,
		TextHash:  hex.EncodeToString(sum[:]),
		Accepted:  v.Accept,
		Reason:    v.Reason,
	}
}
