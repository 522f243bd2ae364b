// handlers/api/extractor.go
package api

import (
	"fmt"
	"regexp"
	"strings"

	"applymatic/models"
	"applymatic/utils"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Permissive on purpose: local@domain.tld with a tld of at least two letters.
// Anything that slips through is caught by the receiving MTA, not by us.
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

var titleCaser = cases.Title(language.English)

// ExtractLeads parses the PDF at path and returns the deduplicated leads
// found in its text. Zero leads is a valid empty result; only a document that
// cannot be opened or parsed at all is an error.
func ExtractLeads(path string) ([]models.Lead, error) {
	text, err := ExtractText(path)
	if err != nil {
		return nil, utils.DocumentParseError(err)
	}
	return ScanLeads(text), nil
}

// ExtractText concatenates the plain text of every page, newline separated.
// Pages without extractable text contribute nothing.
func ExtractText(path string) (text string, err error) {
	// The pdf package panics on some malformed documents
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || pageText == "" {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// ScanLeads finds email addresses in text and infers a company per address.
// Output is deduplicated so case-variant spellings of the same address
// collapse to a single lowercased lead.
func ScanLeads(text string) []models.Lead {
	leads := []models.Lead{}
	seen := make(map[string]bool)

	for _, match := range emailPattern.FindAllString(text, -1) {
		email := strings.ToLower(match)
		if seen[email] {
			continue
		}
		seen[email] = true

		website, company := inferCompany(email[strings.Index(email, "@")+1:])
		leads = append(leads, models.Lead{
			Email:       email,
			Website:     website,
			CompanyName: company,
		})
	}

	return leads
}

// inferCompany maps a mail host to its registrable domain and a display
// company name. mail.sub.example.co.uk becomes ("example.co.uk", "Example");
// a hyphenated label like acme-widgets becomes "Acme Widgets".
func inferCompany(host string) (website, company string) {
	website, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Host is itself a public suffix or otherwise odd; use it as-is.
		website = host
	}

	label := website
	if dot := strings.Index(website, "."); dot > 0 {
		label = website[:dot]
	}

	company = titleCaser.String(strings.ReplaceAll(label, "-", " "))
	return website, company
}
