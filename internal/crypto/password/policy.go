package password

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Policy defines password complexity requirements enforced at registration
// and password-change time.
type Policy struct {
	MinLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireNumbers    bool
	RequireSpecial    bool
	MaxConsecutiveRun int // e.g. 3 => "aaaa" is rejected
}

// DefaultPolicy is the baseline complexity policy.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:         12,
		RequireUppercase:  true,
		RequireLowercase:  true,
		RequireNumbers:    true,
		RequireSpecial:    true,
		MaxConsecutiveRun: 3,
	}
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	numberRe  = regexp.MustCompile(`[0-9]`)
	specialRe = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\/?]`)
)

// Validate checks password against policy, returning the first violation.
func Validate(pw string, policy Policy) error {
	if len(pw) < policy.MinLength {
		return fmt.Errorf("password must be at least %d characters long", policy.MinLength)
	}
	if policy.RequireUppercase && !upperRe.MatchString(pw) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if policy.RequireLowercase && !lowerRe.MatchString(pw) {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if policy.RequireNumbers && !numberRe.MatchString(pw) {
		return fmt.Errorf("password must contain at least one number")
	}
	if policy.RequireSpecial && !specialRe.MatchString(pw) {
		return fmt.Errorf("password must contain at least one special character")
	}
	if policy.MaxConsecutiveRun > 0 && hasConsecutiveRun(pw, policy.MaxConsecutiveRun) {
		return fmt.Errorf("password must not repeat the same character more than %d times in a row", policy.MaxConsecutiveRun)
	}
	return nil
}

func hasConsecutiveRun(pw string, max int) bool {
	run := 1
	for i := 1; i < len(pw); i++ {
		if pw[i] == pw[i-1] {
			run++
			if run > max {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// Strength returns a 0-100 heuristic score, purely advisory (UI feedback).
func Strength(pw string) int {
	score := 0
	if len(pw) >= 12 {
		score += 20
	}
	if len(pw) >= 16 {
		score += 10
	}
	if len(pw) >= 20 {
		score += 10
	}
	variety := 0
	for _, re := range []*regexp.Regexp{upperRe, lowerRe, numberRe, specialRe} {
		if re.MatchString(pw) {
			variety++
		}
	}
	score += variety * 10
	if len(pw) >= 12 && variety >= 3 {
		score += 10
	}
	if len(pw) >= 16 && variety >= 4 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// StrengthLabel maps a Strength score to a human-readable label.
func StrengthLabel(score int) string {
	switch {
	case score < 30:
		return "weak"
	case score < 60:
		return "fair"
	case score < 80:
		return "good"
	default:
		return "strong"
	}
}

// commonPasswords is a static blocklist; promoted from the teacher's inline
// complexity checker so it can be swapped for a real breach-corpus lookup
// via CompromisedPasswordChecker without touching Validate's call sites.
var commonPasswords = []string{
	"password", "123456", "123456789", "12345678", "12345",
	"1234567", "1234567890", "qwerty", "abc123", "monkey",
	"letmein", "trustno1", "dragon", "baseball",
	"iloveyou", "master", "sunshine", "ashley", "bailey",
	"passw0rd", "shadow", "123123", "654321", "superman",
	"qazwsx", "michael", "football", "welcome", "jesus",
	"ninja", "mustang", "password1", "123qwe", "admin",
}

// CompromisedPasswordChecker abstracts the oracle consulted after policy
// validation passes. The default StaticBlocklistChecker is a fallback for
// deployments without a breach-corpus subscription (e.g. HaveIBeenPwned's
// k-anonymity API), which would implement this interface identically.
type CompromisedPasswordChecker interface {
	IsCompromised(ctx context.Context, plaintext string) (bool, error)
}

// StaticBlocklistChecker flags exact or substring matches against a small
// static list of known-terrible passwords.
type StaticBlocklistChecker struct{}

func (StaticBlocklistChecker) IsCompromised(_ context.Context, plaintext string) (bool, error) {
	lower := strings.ToLower(plaintext)
	for _, common := range commonPasswords {
		if lower == common || strings.Contains(lower, common) {
			return true, nil
		}
	}
	return false, nil
}
