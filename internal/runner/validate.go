package runner

import (
	"runtime"
	"strings"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

// denySequences are shell metacharacters and substitution sequences that are
// rejected before the charset check so the error names the offender.
var denySequences = []string{"&&", "||", "$(", "${", ";", "&", "|", "`", "$", ">", "<", "\n", "\r"}

const allowedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789._/-"

func tokenAllowed(token string) bool {
	extra := ""
	if runtime.GOOS == "windows" {
		extra = `\:`
	}
	for _, r := range token {
		if r > 127 {
			return false
		}
		if strings.ContainsRune(allowedChars, r) || strings.ContainsRune(extra, r) {
			continue
		}
		return false
	}
	return true
}

func validateToken(kind, token string) error {
	if strings.TrimSpace(token) == "" {
		return taskerr.Newf(taskerr.CodeValidation, "empty %s", kind)
	}
	for _, seq := range denySequences {
		if strings.Contains(token, seq) {
			return taskerr.Newf(taskerr.CodeValidation, "%s contains forbidden sequence %q: %q", kind, seq, token)
		}
	}
	if !tokenAllowed(token) {
		return taskerr.Newf(taskerr.CodeValidation, "%s contains characters outside the allowed set: %q", kind, token)
	}
	return nil
}

// ValidateSpec checks the command name and every argument against the
// deny-list and the allowed character set. Shells are never invoked, so any
// metacharacter is an error, not an escape problem.
func ValidateSpec(spec Spec) error {
	if err := validateToken("command", spec.Command); err != nil {
		return err
	}
	for _, arg := range spec.Args {
		if err := validateToken("argument", arg); err != nil {
			return err
		}
	}
	return nil
}
