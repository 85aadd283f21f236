// Package channel formats and strips the line prefixes gateways put on
// inbound messages, like "[Telegram 2026-01-02 12:33 UTC] alice: hello".
// The engine strips them before deriving search queries and before
// archiving, so recalled content reads as what was said rather than how
// it arrived.
package channel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PrefixStripper removes gateway prefixes from text.
type PrefixStripper func(string) string

const timeLayout = "2006-01-02 15:04"

// prefixPattern matches one gateway prefix: bracketed channel name and
// UTC minute timestamp, then the sender and a colon.
const prefixPattern = `\[[A-Za-z][\w.-]* \d{4}-\d{2}-\d{2} \d{2}:\d{2} UTC\] [^:\n]{1,64}: ?`

var (
	prefixRE     = regexp.MustCompile(`^` + prefixPattern)
	linePrefixRE = regexp.MustCompile(`(?m)^` + prefixPattern)
)

// FormatPrefix renders the prefix for one inbound message. The timestamp
// is rendered in UTC at minute precision.
func FormatPrefix(channel string, ts time.Time, sender string) string {
	return fmt.Sprintf("[%s %s UTC] %s: ", channel, ts.UTC().Format(timeLayout), sender)
}

// StripPrefix removes a single leading prefix. Text without one is
// returned unchanged.
func StripPrefix(text string) string {
	return prefixRE.ReplaceAllString(text, "")
}

// StripAllPrefixes removes the prefix from every line of a multi-line
// transcript.
func StripAllPrefixes(text string) string {
	if !strings.Contains(text, "[") {
		return text
	}
	return linePrefixRE.ReplaceAllString(text, "")
}
