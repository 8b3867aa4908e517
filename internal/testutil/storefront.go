// Package testutil provides an in-memory storefront for exercising sessions,
// the location protocol and the orchestrator without network access.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

const (
	BaseURL    = "https://www.amazon.com"
	WarmupASIN = "B09X7CRKRZ"

	sessionCookie = "session-id"
)

// ChallengePage is the interstitial served to blocked clients.
const ChallengePage = `<html><body><form action="/errors/validateCaptcha">
<h4>Enter the characters you see below</h4>
<p>Sorry, we just need to make sure you're not a robot.</p>
</form></body></html>`

// Listing is the pair of offer fragments served for one zip code.
type Listing struct {
	All   string
	Prime string
}

// Storefront mimics the detail page, location modal and offer endpoints,
// tracking the delivery location per session cookie.
type Storefront struct {
	// Listings maps zip code to offer fragments. Missing zips get EmptyOffers.
	Listings map[string]Listing
	// ChallengeZips answer the address change with a challenge page.
	ChallengeZips map[string]bool
	// IgnoreZips accept the address change but never apply it.
	IgnoreZips map[string]bool
	// FlakyZips answer that many offer fetches for the zip with 503.
	FlakyZips map[string]int
	// FailWarmups makes the first n warm-up page loads fail with 503.
	FailWarmups int64
	// Latency delays every response, honoring request cancellation.
	Latency time.Duration
	// Title is rendered on every product page.
	Title string

	transport *httpmock.MockTransport

	mu        sync.Mutex
	sessions  map[string]*visitor
	nextID    int
	warmups   atomic.Int64
	requests  atomic.Int64
	offerHits map[string]int
}

type visitor struct {
	pageToken  string
	modalToken string
	zip        string
}

func NewStorefront() *Storefront {
	sf := &Storefront{
		Listings:      make(map[string]Listing),
		ChallengeZips: make(map[string]bool),
		IgnoreZips:    make(map[string]bool),
		FlakyZips:     make(map[string]int),
		Title:         "Wireless Noise Cancelling Headphones",
		sessions:      make(map[string]*visitor),
		offerHits:     make(map[string]int),
	}
	sf.transport = httpmock.NewMockTransport()
	sf.transport.RegisterNoResponder(sf.respond)
	return sf
}

// Transport is the round tripper sessions should use. The proxy is ignored.
func (sf *Storefront) Transport(_ *models.Proxy) http.RoundTripper {
	return sf.transport
}

// Requests counts every request served.
func (sf *Storefront) Requests() int64 {
	return sf.requests.Load()
}

// Visitors counts distinct sessions that completed a warm-up.
func (sf *Storefront) Visitors() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return len(sf.sessions)
}

// OfferHits counts offer fetches served for zip.
func (sf *Storefront) OfferHits(zip string) int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.offerHits[zip]
}

func (sf *Storefront) respond(req *http.Request) (*http.Response, error) {
	sf.requests.Add(1)

	if sf.Latency > 0 {
		select {
		case <-time.After(sf.Latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	path := req.URL.Path
	switch {
	case strings.HasPrefix(path, "/dp/"):
		return sf.productPage(req, strings.TrimPrefix(path, "/dp/"))
	case path == "/portal-migration/hz/glow/get-rendered-address-selections":
		return sf.locationModal(req)
	case path == "/portal-migration/hz/glow/address-change":
		return sf.addressChange(req)
	case path == "/portal-migration/hz/glow/get-location-label":
		return sf.locationLabel(req)
	case path == "/gp/product/ajax/ref=dp_aod_ALL_mbc":
		return sf.offers(req)
	}
	return httpmock.NewStringResponse(http.StatusNotFound, "not found"), nil
}

func (sf *Storefront) visitorFor(req *http.Request) (string, *visitor) {
	c, err := req.Cookie(sessionCookie)
	if err != nil {
		return "", nil
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	return c.Value, sf.sessions[c.Value]
}

func (sf *Storefront) productPage(req *http.Request, asin string) (*http.Response, error) {
	if asin == WarmupASIN {
		if n := sf.warmups.Add(1); n <= sf.FailWarmups {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
		}
	}

	id, v := sf.visitorFor(req)
	var setCookie string
	if v == nil {
		sf.mu.Lock()
		sf.nextID++
		id = fmt.Sprintf("s%03d", sf.nextID)
		v = &visitor{pageToken: "page-" + id, modalToken: "modal-" + id}
		sf.sessions[id] = v
		sf.mu.Unlock()
		setCookie = (&http.Cookie{Name: sessionCookie, Value: id, Path: "/"}).String()
	}

	modal, _ := json.Marshal(map[string]any{
		"url":         "/portal-migration/hz/glow/get-rendered-address-selections?deviceType=desktop",
		"ajaxHeaders": map[string]string{"anti-csrftoken-a2z": v.pageToken},
	})

	body := fmt.Sprintf(`<html><body>
<span id="nav-global-location-data-modal-action" data-a-modal='%s'></span>
<span id="productTitle">%s</span>
<a id="bylineInfo">Visit the Acme Store</a>
<div id="wayfinding-breadcrumbs_feature_div"><ul>
<li><span class="a-list-item">Electronics</span></li>
<li><span class="a-list-item">Headphones</span></li>
</ul></div>
</body></html>`, modal, sf.Title)

	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	if setCookie != "" {
		resp.Header.Set("Set-Cookie", setCookie)
	}
	return resp, nil
}

func (sf *Storefront) locationModal(req *http.Request) (*http.Response, error) {
	_, v := sf.visitorFor(req)
	if v == nil || req.Header.Get("anti-csrftoken-a2z") != v.pageToken {
		return httpmock.NewStringResponse(http.StatusBadRequest, "bad token"), nil
	}

	body := fmt.Sprintf(`<div id="GLUXAddressBlock"></div><script>
P.when("A").execute(function(A){ A.state("GLUXWidget", { CSRF_TOKEN : "%s", isMobile : false }); });
</script>`, v.modalToken)
	return httpmock.NewStringResponse(http.StatusOK, body), nil
}

func (sf *Storefront) addressChange(req *http.Request) (*http.Response, error) {
	_, v := sf.visitorFor(req)
	if v == nil || req.Header.Get("anti-csrftoken-a2z") != v.modalToken {
		return httpmock.NewStringResponse(http.StatusBadRequest, "bad token"), nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		LocationType string `json:"locationType"`
		ZipCode      string `json:"zipCode"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.LocationType != "LOCATION_INPUT" {
		return httpmock.NewStringResponse(http.StatusBadRequest, "bad payload"), nil
	}

	if sf.ChallengeZips[payload.ZipCode] {
		return httpmock.NewStringResponse(http.StatusOK, ChallengePage), nil
	}

	if !sf.IgnoreZips[payload.ZipCode] {
		sf.mu.Lock()
		v.zip = payload.ZipCode
		sf.mu.Unlock()
	}

	return httpmock.NewStringResponse(http.StatusOK, `{"isValidAddress":1,"successful":1,"isTransitOutOfAis":0}`), nil
}

func (sf *Storefront) locationLabel(req *http.Request) (*http.Response, error) {
	_, v := sf.visitorFor(req)
	if v == nil {
		return httpmock.NewStringResponse(http.StatusForbidden, "no session"), nil
	}

	sf.mu.Lock()
	zip := v.zip
	sf.mu.Unlock()

	label := "Select your address"
	if zip != "" {
		label = "Deliver to " + zip
	}
	body, _ := json.Marshal(map[string]string{"deliveryShortLine": label})
	return httpmock.NewStringResponse(http.StatusOK, string(body)), nil
}

func (sf *Storefront) offers(req *http.Request) (*http.Response, error) {
	_, v := sf.visitorFor(req)
	if v == nil {
		return httpmock.NewStringResponse(http.StatusForbidden, "no session"), nil
	}

	sf.mu.Lock()
	zip := v.zip
	sf.offerHits[zip]++
	listing, ok := sf.Listings[zip]
	flaky := sf.FlakyZips[zip] > 0
	if flaky {
		sf.FlakyZips[zip]--
	}
	sf.mu.Unlock()

	if flaky {
		return httpmock.NewStringResponse(http.StatusServiceUnavailable, "try again"), nil
	}

	if !ok {
		return httpmock.NewStringResponse(http.StatusOK, EmptyOffers), nil
	}

	body := listing.All
	if strings.Contains(req.URL.Query().Get("filters"), "primeEligible") {
		body = listing.Prime
	}
	return httpmock.NewStringResponse(http.StatusOK, body), nil
}

// EmptyOffers is an offer fragment without any offers.
const EmptyOffers = `<div id="aod-container"><div id="aod-offer-list"></div></div>`

// TwoSellerListing is the unfiltered and prime views for a product sold by
// Amazon (buy box, arrives in 2 days) and one third party seller.
var TwoSellerListing = Listing{
	All: `<div id="aod-container">
	<div id="aod-filter-list"><div class="aod-filter"><i class="a-icon a-icon-prime"></i></div></div>
	<div id="aod-pinned-offer">
		<span class="a-price"><span class="a-offscreen">$199.99</span></span>
		<i class="a-icon a-icon-prime"></i>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="FREE">FREE delivery <span class="a-text-bold">Arrives in 2 days</span></span>
		</div>
		<div id="aod-offer-soldBy"><div class="a-col-right"><span class="a-size-small">Amazon.com</span></div></div>
		<input name="submit.addToCart" type="submit">
	</div>
	<div id="aod-offer">
		<span class="a-price"><span class="a-offscreen">$189.00</span></span>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="$4.99">$4.99 delivery <span class="a-text-bold">3 - 5 business days</span></span>
		</div>
		<div id="aod-offer-soldBy"><a class="a-link-normal" href="/gp/aag/main?seller=A3GADGET" aria-label="Gadget Depot. Opens a new page">Gadget Depot</a></div>
	</div>
</div>`,
	Prime: `<div id="aod-container">
	<div id="aod-offer">
		<span class="a-price"><span class="a-offscreen">$199.99</span></span>
		<i class="a-icon a-icon-prime"></i>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="FREE">FREE delivery <span class="a-text-bold">Arrives in 2 days</span></span>
		</div>
		<div id="aod-offer-soldBy"><div class="a-col-right"><span class="a-size-small">Amazon.com</span></div></div>
	</div>
</div>`,
}
