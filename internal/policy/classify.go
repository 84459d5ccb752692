package policy

import (
	"net/url"
	"strings"
)

// domainCategories is a static registry mapping hostnames to risk
// categories. Lookup matches the full hostname and every dotted suffix, so
// "www.chase.com" hits the "chase.com" entry.
var domainCategories = map[string][]string{
	"chase.com":                {"financial", "banking"},
	"bankofamerica.com":        {"financial", "banking"},
	"wellsfargo.com":           {"financial", "banking"},
	"citibank.com":             {"financial", "banking"},
	"paypal.com":               {"financial", "payments"},
	"stripe.com":               {"financial", "payments"},
	"coinbase.com":             {"financial", "crypto"},
	"binance.com":              {"financial", "crypto"},
	"facebook.com":             {"social"},
	"twitter.com":              {"social"},
	"x.com":                    {"social"},
	"instagram.com":            {"social"},
	"reddit.com":               {"social"},
	"gmail.com":                {"email"},
	"mail.google.com":          {"email"},
	"outlook.live.com":         {"email"},
	"console.aws.amazon.com":   {"cloud_console"},
	"portal.azure.com":         {"cloud_console"},
	"console.cloud.google.com": {"cloud_console"},
}

// classifyDomain returns the risk categories for a URL's hostname, or nil
// for unknown or unparseable hosts.
func classifyDomain(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var categories []string
	for host != "" {
		for _, c := range domainCategories[host] {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				categories = append(categories, c)
			}
		}
		_, rest, ok := strings.Cut(host, ".")
		if !ok {
			break
		}
		host = rest
	}
	return categories
}
