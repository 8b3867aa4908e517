package session

import (
	"net/url"
	"strings"
)

const (
	ModalPath         = "/portal-migration/hz/glow/get-rendered-address-selections?deviceType=desktop&pageType=Detail&storeContext=photo&actionSource=desktop-modal"
	AddressChangePath = "/portal-migration/hz/glow/address-change?actionSource=glow"
	LocationLabelPath = "/portal-migration/hz/glow/get-location-label?storeContext=photo&pageType=Detail&actionSource=desktop-modal"

	offersPath = "/gp/product/ajax/ref=dp_aod_ALL_mbc"
)

// OfferFilter selects a view of the all-offers display.
type OfferFilter string

const (
	FilterAll   OfferFilter = `{"all":true}`
	FilterPrime OfferFilter = `{"primeEligible":true}`
)

// Target describes the storefront sessions talk to.
type Target struct {
	BaseURL        string
	WarmupASIN     string
	UserAgent      string
	AcceptLanguage string
}

func (t Target) base() string {
	return strings.TrimRight(t.BaseURL, "/")
}

// URL resolves a storefront path to an absolute URL.
func (t Target) URL(path string) string {
	return t.base() + path
}

// rootURL is the storefront root used for cookie jar lookups.
func (t Target) rootURL() *url.URL {
	u, err := url.Parse(t.base() + "/")
	if err != nil {
		return &url.URL{Scheme: "https", Host: "www.amazon.com", Path: "/"}
	}
	return u
}

func ProductPath(asin string) string {
	return "/dp/" + asin
}

// OffersPath builds the all-offers-display fragment URL. The filter value is
// escaped twice, matching what the storefront itself sends.
func OffersPath(asin string, filter OfferFilter) string {
	return offersPath +
		"?asin=" + url.QueryEscape(asin) +
		"&m=&qid=&smid=&sourcecustomerorglistid=&sourcecustomerorglistitemid=&sr=&pc=dp&experienceId=aodAjaxMain" +
		"&filters=" + url.QueryEscape(url.QueryEscape(string(filter)))
}
