package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ErrorKind taxonomizes a failure per the error-handling design: transient
// failures are retried within budget, contract failures feed the
// Escalator, structural failures are reported without retry, and fatal
// failures force pipeline-level escalation.
type ErrorKind string

const (
	ErrTimeout        ErrorKind = "timeout"
	ErrContextOverflow ErrorKind = "context_overflow"
	ErrBackend5xx     ErrorKind = "backend_5xx"
	ErrJSONParse      ErrorKind = "JSON_PARSE"
	ErrFieldTooShort  ErrorKind = "FIELD_TOO_SHORT"
	ErrInvalidValue   ErrorKind = "INVALID_VALUE"
	ErrSemanticNull   ErrorKind = "SEMANTIC_NULL"
	ErrInvalidTransition ErrorKind = "INVALID_TRANSITION"
	ErrDuplicatePush  ErrorKind = "DUPLICATE_PUSH"
	ErrLeaseExpired   ErrorKind = "LEASE_EXPIRED"
	ErrHardFail       ErrorKind = "HARD_FAIL"
	ErrCEORequired    ErrorKind = "CEO_REQUIRED"
)

// IsTransient reports whether errors of this kind are retried by the
// supervisor/queue within the attempt budget, rather than fed to the
// Escalator or reported structurally.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case ErrTimeout, ErrContextOverflow, ErrBackend5xx:
		return true
	default:
		return false
	}
}

// IsContract reports whether errors of this kind feed the Escalator.
func (k ErrorKind) IsContract() bool {
	switch k {
	case ErrJSONParse, ErrFieldTooShort, ErrInvalidValue, ErrSemanticNull:
		return true
	default:
		return false
	}
}

// IsFatal reports whether errors of this kind force pipeline-level
// escalation with no further scheduling.
func (k ErrorKind) IsFatal() bool {
	return k == ErrHardFail || k == ErrCEORequired
}

// FailureSignature is the equivalence class a failure is classified into.
// Two failures collapse into the same EscalationRecord iff all four
// fields match.
type FailureSignature struct {
	ErrorKind           ErrorKind
	MissingOutputFields []string // sorted
	Role                Role
	PromptHash          string
}

// NewFailureSignature builds a signature, sorting MissingOutputFields so
// that field order in the caller never produces a spurious new signature.
func NewFailureSignature(kind ErrorKind, missingFields []string, role Role, prompt string) FailureSignature {
	sorted := append([]string(nil), missingFields...)
	sort.Strings(sorted)
	return FailureSignature{
		ErrorKind:           kind,
		MissingOutputFields: sorted,
		Role:                role,
		PromptHash:          HashPrompt(prompt),
	}
}

// Key returns a stable map key for the signature.
func (s FailureSignature) Key() string {
	var b strings.Builder
	b.WriteString(string(s.ErrorKind))
	b.WriteByte('|')
	b.WriteString(strings.Join(s.MissingOutputFields, ","))
	b.WriteByte('|')
	b.WriteString(string(s.Role))
	b.WriteByte('|')
	b.WriteString(s.PromptHash)
	return b.String()
}

// HashPrompt content-addresses a prompt for signature equivalence.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// EscalationLevel is a monotone class of a failure signature's severity.
type EscalationLevel string

const (
	LevelSelfRepair EscalationLevel = "self_repair"
	LevelRoleSwitch EscalationLevel = "role_switch"
	LevelHardFail   EscalationLevel = "hard_fail"
)

// rank orders escalation levels for the monotonicity check.
func (l EscalationLevel) rank() int {
	switch l {
	case LevelSelfRepair:
		return 1
	case LevelRoleSwitch:
		return 2
	case LevelHardFail:
		return 3
	default:
		return 0
	}
}

// LessSevereThan reports whether l is strictly less severe than other,
// i.e. whether a transition l -> other would be monotonic.
func (l EscalationLevel) LessSevereThan(other EscalationLevel) bool {
	return l.rank() < other.rank()
}

// EscalationRecord is the per-signature counter and current level. Level
// is monotonic non-decreasing for the lifetime of the record.
type EscalationRecord struct {
	Count            int
	Level            EscalationLevel
	SwitchedProfiles map[string]bool // profiles already used for role_switch, capped at one use each
}

// NewEscalationRecord returns a fresh record at count=0, level=self_repair.
func NewEscalationRecord() *EscalationRecord {
	return &EscalationRecord{
		Count:            0,
		Level:            LevelSelfRepair,
		SwitchedProfiles: make(map[string]bool),
	}
}
