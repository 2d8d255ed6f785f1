package policy

import "regexp"

// Redaction maps each kind of personal data to the placeholder that replaces
// it. Rules run in order; cards go before phones because a card number also
// looks like a long phone number.
type Redaction []redactionRule

type redactionRule struct {
	kind        string
	pattern     *regexp.Regexp
	placeholder string
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// MarkerRedaction is used for text that is shown or stored.
var MarkerRedaction = Redaction{
	{kind: "email", pattern: emailPattern, placeholder: "[REDACTED_EMAIL]"},
	{kind: "card", pattern: cardPattern, placeholder: "[REDACTED_CARD]"},
	{kind: "ip", pattern: ipv4Pattern, placeholder: "[REDACTED_IP]"},
	{kind: "phone", pattern: phonePattern, placeholder: "[REDACTED_PHONE]"},
}

// SpokenRedaction is used for text handed to speech synthesis, where a
// bracketed marker would either be read out literally or stripped as an
// expression tag.
var SpokenRedaction = Redaction{
	{kind: "email", pattern: emailPattern, placeholder: "an email address"},
	{kind: "card", pattern: cardPattern, placeholder: "a card number"},
	{kind: "ip", pattern: ipv4Pattern, placeholder: "an IP address"},
	{kind: "phone", pattern: phonePattern, placeholder: "a phone number"},
}

// Apply replaces every match and returns the kinds that were found, in rule
// order.
func (r Redaction) Apply(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range r {
		if !rule.pattern.MatchString(out) {
			continue
		}
		out = rule.pattern.ReplaceAllString(out, rule.placeholder)
		kinds = append(kinds, rule.kind)
	}
	return out, kinds
}

// RedactPII masks personal data with bracketed markers.
func RedactPII(input string) (string, bool) {
	out, kinds := MarkerRedaction.Apply(input)
	return out, len(kinds) > 0
}
