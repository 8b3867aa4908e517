package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2025, time.February, 7, 9, 0, 0, 0, time.UTC)

const offersFixture = `<div id="aod-container">
	<div id="aod-filter-list">
		<div class="aod-filter"><i class="a-icon a-icon-prime a-icon-medium" role="img" aria-label="Amazon Prime"></i></div>
	</div>
	<div id="aod-pinned-offer">
		<div id="aod-price-0">
			<span class="a-price" data-a-size="xl"><span class="a-offscreen">$1,299.99</span><span aria-hidden="true"><span class="a-price-whole">1,299<span class="a-price-decimal">.</span></span><span class="a-price-fraction">99</span></span></span>
			<span class="a-price a-text-price"><span class="a-offscreen">$1,499.99</span></span>
			<i class="a-icon a-icon-prime"></i>
		</div>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="FREE">FREE delivery <span class="a-text-bold">Arrives in 2 days</span></span>
		</div>
		<div id="aod-offer-soldBy">
			<div class="a-col-right"><span class="a-size-small a-color-base">Amazon.com</span></div>
		</div>
		<form><input name="submit.addToCart" type="submit" value="Add to Cart"></form>
	</div>
	<div id="aod-offer">
		<span class="a-price"><span aria-hidden="true"><span class="a-price-whole">1,249.</span><span class="a-price-fraction">50</span></span></span>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="$5.99">$5.99 delivery <span class="a-text-bold">February 13 - 17</span></span>
		</div>
		<div id="aod-offer-soldBy">
			<a class="a-size-small a-link-normal" href="/gp/aag/main?ie=UTF8&amp;seller=A2SELLER42&amp;isAmazonFulfilled=0" aria-label="Gadget Depot. Opens a new page">Gadget Depot</a>
		</div>
		<form><input name="submit.addToCart" type="submit" value="Add to Cart"></form>
	</div>
	<div id="aod-offer">
		<span class="a-price"><span class="a-offscreen">$1,310.00</span></span>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXSDM" data-csa-c-delivery-price="$9.99">Fastest delivery <span class="a-text-bold">Overnight 7 AM - 11 AM</span></span>
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="FREE">FREE delivery <span class="a-text-bold">Monday, February 10</span></span>
		</div>
		<div id="aod-offer-soldBy">
			<a class="a-size-small a-link-normal" href="/gp/aag/main?seller=ATVPDKIKX0DER">Amazon Warehouse</a>
		</div>
	</div>
	<div id="aod-offer">
		<span class="a-price"><span class="a-offscreen">$1,200.00</span></span>
		<div class="aod-delivery-promise">
			<span data-csa-c-content-id="DEXUnifiedCXPDM" data-csa-c-delivery-price="FREE">FREE delivery <span class="a-text-bold">Sometime soon</span></span>
		</div>
		<div id="aod-offer-soldBy">
			<a class="a-size-small a-link-normal" href="/gp/aag/main?seller=A9NONAME">  </a>
		</div>
	</div>
</div>`

func TestParseOffers(t *testing.T) {
	parser := NewAmazonParser()

	listing, err := parser.ParseOffers(offersFixture, today)
	require.NoError(t, err)
	require.Len(t, listing.Offers, 4)
	assert.True(t, listing.PrimeFilter)

	pinned := listing.Offers[0]
	assert.True(t, pinned.BuyBoxWinner)
	assert.Nil(t, pinned.SellerID)
	require.NotNil(t, pinned.SellerName)
	assert.Equal(t, "Amazon.com", *pinned.SellerName)
	assert.Equal(t, 1299.99, pinned.Price)
	assert.Equal(t, 0.0, pinned.ShippingCost)
	assert.True(t, pinned.Prime)
	require.True(t, pinned.HasDaySpan())
	assert.Equal(t, 2, *pinned.EarliestDays)
	assert.Equal(t, 2, *pinned.LatestDays)

	thirdParty := listing.Offers[1]
	assert.False(t, thirdParty.BuyBoxWinner, "only the pinned offer can hold the buy box")
	require.NotNil(t, thirdParty.SellerID)
	assert.Equal(t, "A2SELLER42", *thirdParty.SellerID)
	assert.Equal(t, "Gadget Depot", *thirdParty.SellerName)
	assert.Equal(t, 1249.50, thirdParty.Price)
	assert.Equal(t, 5.99, thirdParty.ShippingCost)
	assert.Equal(t, 1255.49, thirdParty.TotalPrice)
	assert.False(t, thirdParty.Prime)
	assert.Equal(t, "February 13 - 17", thirdParty.DeliveryEstimate)
	assert.Equal(t, 6, *thirdParty.EarliestDays)
	assert.Equal(t, 10, *thirdParty.LatestDays)

	firstParty := listing.Offers[2]
	assert.Nil(t, firstParty.SellerID, "first-party id is reported as null")
	assert.Equal(t, "Amazon.com", *firstParty.SellerName)
	assert.Equal(t, "Overnight 7 AM - 11 AM", firstParty.DeliveryEstimate, "fastest promise wins")
	assert.Equal(t, 9.99, firstParty.ShippingCost)
	require.NotNil(t, firstParty.DeliveryWindow)
	assert.Equal(t, "7 AM - 11 AM", *firstParty.DeliveryWindow)
	assert.Equal(t, 0, *firstParty.EarliestDays)

	unnamed := listing.Offers[3]
	require.NotNil(t, unnamed.SellerID)
	assert.Equal(t, "A9NONAME", *unnamed.SellerID)
	assert.Nil(t, unnamed.SellerName, "seller id may be present without a name")
	assert.Equal(t, "Sometime soon", unnamed.DeliveryEstimate)
	assert.Nil(t, unnamed.EarliestDays, "unparseable estimates keep null day counts")
	assert.Nil(t, unnamed.LatestDays)
}

func TestParseOffersWithoutDefaultSelection(t *testing.T) {
	parser := NewAmazonParser()
	html := `<div id="aod-pinned-offer">
		<span class="a-price"><span class="a-offscreen">$20.00</span></span>
		<span class="a-color-price">Currently unavailable.</span>
	</div>
	<div id="aod-offer">
		<span class="a-price"><span class="a-offscreen">$21.00</span></span>
		<div id="aod-offer-soldBy"><a class="a-link-normal" href="/s?seller=A1">One</a></div>
	</div>`

	listing, err := parser.ParseOffers(html, today)
	require.NoError(t, err)
	require.Len(t, listing.Offers, 2)
	assert.False(t, listing.PrimeFilter)
	for _, offer := range listing.Offers {
		assert.False(t, offer.BuyBoxWinner)
	}
}

func TestParseOffersSkipsEmptyBlocks(t *testing.T) {
	parser := NewAmazonParser()

	listing, err := parser.ParseOffers(`<div id="aod-pinned-offer"></div><div id="aod-offer"><span>no price</span></div>`, today)
	require.NoError(t, err)
	assert.Empty(t, listing.Offers)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		hasError bool
	}{
		{"$19.99", 19.99, false},
		{"$1,299.99", 1299.99, false},
		{"1,299", 1299, false},
		{"12,345,678.90", 12345678.90, false},
		{"19,99 €", 19.99, false},
		{"1.299,00 €", 1299.00, false},
		{"$5", 5, false},
		{"FREE", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePrice(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 0.0001)
		})
	}
}

func TestParseProduct(t *testing.T) {
	parser := NewAmazonParser()
	html := `<html><body>
		<span id="productTitle">  Wireless Noise Cancelling Headphones  </span>
		<a id="bylineInfo">Visit the Acme Store</a>
		<div id="wayfinding-breadcrumbs_feature_div"><ul>
			<li><span class="a-list-item">Electronics</span></li>
			<li><span class="a-list-item">Headphones</span></li>
		</ul></div>
	</body></html>`

	product, err := parser.ParseProduct(html, "B09X7CRKRZ", "https://www.amazon.com/dp/B09X7CRKRZ")
	require.NoError(t, err)
	assert.Equal(t, "Wireless Noise Cancelling Headphones", product.Title)
	assert.Equal(t, "Acme", product.Brand)
	assert.Equal(t, "Headphones", product.Category)
	assert.Equal(t, "B09X7CRKRZ", product.ASIN)

	_, err = parser.ParseProduct(`<html></html>`, "B09X7CRKRZ", "")
	assert.Error(t, err)
}
