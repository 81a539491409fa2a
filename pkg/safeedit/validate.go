package safeedit

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// digest is the content hash recorded on backups.
func digest(content []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(content))
}

// forbiddenPatterns reject content that could execute destructively or
// leak credentials if the target is ever sourced or rendered.
var forbiddenPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"destructive shell", regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*f|\bmkfs\b|\bdd\s+if=|>\s*/dev/sd`)},
	{"piped shell execution", regexp.MustCompile(`(?i)(curl|wget)[^\n|]*\|\s*(ba)?sh`)},
	{"code execution construct", regexp.MustCompile(`(?i)\beval\s*\(|\bexec\s*\(|os\.system\s*\(|subprocess\.`)},
	{"private key material", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"cloud access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"credential assignment", regexp.MustCompile(`(?i)\b(password|api[_-]?key|secret[_-]?token)\s*[:=]\s*['"][^'"\s]{8,}`)},
}

// Validate runs the content-type checks for target. It returns the list
// of rejection reasons; an empty list means the content is acceptable.
func Validate(target string, content []byte) []string {
	var reasons []string

	if len(content) > MaxContentSize {
		reasons = append(reasons, fmt.Sprintf("content exceeds %d byte limit", MaxContentSize))
	}
	if len(content) == 0 {
		reasons = append(reasons, "content is empty")
	}
	for _, pattern := range forbiddenPatterns {
		if pattern.re.Match(content) {
			reasons = append(reasons, "forbidden pattern: "+pattern.name)
		}
	}
	if err := parseCheck(target, content); err != nil {
		reasons = append(reasons, fmt.Sprintf("structured content does not parse: %v", err))
	}
	return reasons
}
