package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrTokenNotFound is returned when the expected anti-forgery token is absent.
var ErrTokenNotFound = errors.New("anti-forgery token not found")

var modalTokenRe = regexp.MustCompile(`CSRF_TOKEN\s*:\s*"([^"]+)"`)

var challengeMarkers = []string{
	"/errors/validateCaptcha",
	"Enter the characters you see below",
	"Type the characters you see in this image",
	"To discuss automated access to Amazon data",
	"api-services-support@amazon.com",
}

// IsChallengePage reports whether body is an anti-bot interstitial instead of content.
func IsChallengePage(body string) bool {
	for _, marker := range challengeMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// ExtractPageToken reads the location modal token a detail page embeds in
// #nav-global-location-data-modal-action.
func ExtractPageToken(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	raw, ok := doc.Find("#nav-global-location-data-modal-action").Attr("data-a-modal")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrTokenNotFound
	}

	var modal struct {
		AjaxHeaders map[string]string `json:"ajaxHeaders"`
	}
	if err := json.Unmarshal([]byte(raw), &modal); err != nil {
		return "", fmt.Errorf("failed to decode modal data: %w", err)
	}

	token := modal.AjaxHeaders["anti-csrftoken-a2z"]
	if token == "" {
		return "", ErrTokenNotFound
	}
	return token, nil
}

// ExtractModalToken reads the modal-scoped token from the address selection fragment.
func ExtractModalToken(html string) (string, error) {
	m := modalTokenRe.FindStringSubmatch(html)
	if m == nil {
		return "", ErrTokenNotFound
	}
	return m[1], nil
}

// ExtractLocationLabel returns the delivery location text shown to the session,
// from either the JSON label endpoint or the glow ingress markup.
func ExtractLocationLabel(body string) string {
	var label struct {
		DeliveryShortLine string `json:"deliveryShortLine"`
		DeliveryLine1     string `json:"deliveryLine1"`
		DeliveryLine2     string `json:"deliveryLine2"`
	}
	if err := json.Unmarshal([]byte(body), &label); err == nil {
		return strings.TrimSpace(strings.Join([]string{label.DeliveryShortLine, label.DeliveryLine1, label.DeliveryLine2}, " "))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("#glow-ingress-line2").Text())
}
