package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a string literal.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Value       string // The literal that was checked
}

// CheckLiteralForInjection uses libinjection to detect SQL injection patterns
// inside a string literal of a generated query. A hit does not reject the
// query; the literal is already quoted by the parser. It means the question
// or the model smuggled SQL-looking text into a constant, which is worth a
// warning on the attempt.
//
// Returns nil if no injection pattern is detected.
//
// Example:
//
//	result := CheckLiteralForInjection("12345")
//	// result == nil
//
//	result := CheckLiteralForInjection("1' OR '1'='1")
//	// result.IsSQLi == true
func CheckLiteralForInjection(value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Value:       value,
		}
	}
	return nil
}

// InjectionWarningPrefix starts every validation warning produced by Warning.
const InjectionWarningPrefix = "string literal matches SQL injection pattern"

// Warning renders the result as a validation warning. The literal itself is
// not echoed.
func (r *InjectionCheckResult) Warning() string {
	return fmt.Sprintf("%s (fingerprint %s)", InjectionWarningPrefix, r.Fingerprint)
}
