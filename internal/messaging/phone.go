package messaging

import (
	"net/url"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"go.mau.fi/whatsmeow/types"
)

// DefaultCountryCode is the dialing prefix applied to national numbers.
const DefaultCountryCode = "90"

var phoneFormatting = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "+", "")

// NormalizePhone turns a free-form phone string into international digits
// without a leading plus, e.g. "0532 111 22 33" -> "905321112233".
// The result is not validated; garbage in stays garbage out.
func NormalizePhone(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	clean := phoneFormatting.Replace(raw)
	switch {
	case strings.HasPrefix(clean, countryCode):
		return clean
	case strings.HasPrefix(clean, "0"):
		return countryCode + clean[1:]
	default:
		return countryCode + clean
	}
}

// PlausiblePhone reports whether canonical digits parse as a valid number.
// Only used for diagnostics; dispatch goes ahead either way.
func PlausiblePhone(canonical string) bool {
	if canonical == "" {
		return false
	}
	num, err := phonenumbers.Parse("+"+canonical, "")
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(num)
}

// E164 prefixes canonical digits with "+".
func E164(canonical string) string {
	if canonical == "" || strings.HasPrefix(canonical, "+") {
		return canonical
	}
	return "+" + canonical
}

// UserJID is the WhatsApp user address for canonical digits.
func UserJID(canonical string) types.JID {
	return types.NewJID(canonical, types.DefaultUserServer)
}

// SendURL builds the WhatsApp Web deep link that opens a chat with text prefilled.
func SendURL(baseURL, canonical, text string) string {
	q := url.Values{}
	q.Set("phone", canonical)
	q.Set("text", text)
	// Encode leaves literal pluses as %2B, so the only "+" left are spaces.
	return strings.TrimRight(baseURL, "/") + "/send?" + strings.ReplaceAll(q.Encode(), "+", "%20")
}
