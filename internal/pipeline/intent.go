package pipeline

import "strings"

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{"returns", []string{"return", "refund", "exchange", "money back"}},
	{"payment", []string{"payment", "pay ", "paid", "card", "invoice", "charge"}},
	{"shipping", []string{"shipping", "ship", "delivery", "deliver", "courier"}},
	{"account", []string{"account", "password", "log in", "login", "sign in", "email"}},
	{"order_status", []string{"order", "track", "where is my", "status"}},
}

// DetectIntent tags text with the first intent whose keywords it contains.
// More specific intents are listed first.
func DetectIntent(text string) *string {
	lower := strings.ToLower(text)
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(lower, kw) {
				intent := ik.intent
				return &intent
			}
		}
	}
	return nil
}
