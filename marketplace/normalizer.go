package marketplace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/parley"
	"golang.org/x/text/currency"
)

var (
	itemIDRe   = regexp.MustCompile(`/item/(\d+)`)
	pathIDRe   = regexp.MustCompile(`/(\d+)/`)
	nonPriceRe = regexp.MustCompile(`[^\d.,]`)
	isoCodeRe  = regexp.MustCompile(`\b[A-Z]{3}\b`)

	// Symbols the scraper actually emits; anything else must spell out
	// an ISO code, which detectCurrency validates via x/text.
	currencySymbols = map[string]string{
		"$": "USD",
		"€": "EUR",
		"£": "GBP",
		"₪": "ILS",
		"₽": "RUB",
		"¥": "JPY",
	}
)

// FacebookNormalizer converts raw records from the Facebook Marketplace
// scraper actor into Listings. Records missing any required field
// (id, title, price, url) are rejected.
type FacebookNormalizer struct{}

// Normalize maps one raw actor record to a Listing.
func (FacebookNormalizer) Normalize(raw map[string]any) (parley.Listing, error) {
	id := extractID(raw)
	if id == "" {
		return parley.Listing{}, fmt.Errorf("record has no usable id")
	}
	title := extractTitle(raw)
	if title == "" {
		return parley.Listing{}, fmt.Errorf("record %s has no title", id)
	}
	priceText := extractPriceText(raw)
	price, ok := parsePrice(priceText)
	if !ok {
		return parley.Listing{}, fmt.Errorf("record %s has no parseable price %q", id, priceText)
	}
	u := extractURL(raw)
	if u == "" {
		return parley.Listing{}, fmt.Errorf("record %s has no url", id)
	}

	return parley.Listing{
		ID:       id,
		Title:    title,
		Price:    price,
		Currency: detectCurrency(priceText),
		URL:      u,
		Images:   extractImages(raw),
		PostedAt: extractPostedAt(raw),
		Location: extractLocation(raw),
		Seller:   extractSeller(raw),
		Raw:      raw,
	}, nil
}

func extractID(raw map[string]any) string {
	for _, key := range []string{"id", "listingId"} {
		if v := stringField(raw, key); v != "" {
			return v
		}
	}
	if u := stringField(raw, "listingUrl"); u != "" {
		if m := itemIDRe.FindStringSubmatch(u); m != nil {
			return m[1]
		}
	}
	if u := firstString(raw, "listingUrl", "facebookUrl"); u != "" {
		if m := pathIDRe.FindStringSubmatch(u); m != nil {
			return m[1]
		}
		return u
	}
	return ""
}

func extractTitle(raw map[string]any) string {
	return firstString(raw, "marketplace_listing_title", "custom_title", "title", "name", "text")
}

func extractURL(raw map[string]any) string {
	return firstString(raw, "listingUrl", "facebookUrl", "url", "link")
}

// extractPriceText returns the textual price, preferring the actor's
// structured listing_price object over flat fields.
func extractPriceText(raw map[string]any) string {
	if pd, ok := raw["listing_price"].(map[string]any); ok {
		if v := firstString(pd, "formatted_amount", "amount"); v != "" {
			return v
		}
	}
	return firstString(raw, "price", "priceText", "formatted_amount")
}

func parsePrice(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	cleaned := nonPriceRe.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func detectCurrency(priceText string) string {
	if priceText == "" {
		return "USD"
	}
	for symbol, code := range currencySymbols {
		if strings.Contains(priceText, symbol) {
			return code
		}
	}
	upper := strings.ToUpper(priceText)
	for _, tok := range isoCodeRe.FindAllString(upper, -1) {
		if unit, err := currency.ParseISO(tok); err == nil {
			return unit.String()
		}
	}
	return "USD"
}

func extractImages(raw map[string]any) []string {
	var images []string
	seen := map[string]bool{}
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			images = append(images, u)
		}
	}

	if photo, ok := raw["primary_listing_photo"].(map[string]any); ok {
		add(stringField(photo, "photo_image_url"))
	}
	for _, key := range []string{"images", "imageUrls", "photos", "picture"} {
		switch v := raw[key].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case string:
			add(v)
		}
	}
	return images
}

func extractPostedAt(raw map[string]any) time.Time {
	for _, key := range []string{"postedAt", "createdAt", "date", "timestamp"} {
		switch v := raw[key].(type) {
		case float64:
			return time.Unix(int64(v), 0)
		case int64:
			return time.Unix(v, 0)
		case string:
			for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.RFC3339} {
				if t, err := time.Parse(layout, v); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

func extractLocation(raw map[string]any) map[string]any {
	loc := map[string]any{}

	if ld, ok := raw["location"].(map[string]any); ok {
		if geo, ok := ld["reverse_geocode"].(map[string]any); ok {
			if city := stringField(geo, "city"); city != "" {
				loc["city"] = city
			}
			if state := stringField(geo, "state"); state != "" {
				loc["state"] = state
			}
			if page, ok := geo["city_page"].(map[string]any); ok {
				if name := stringField(page, "display_name"); name != "" {
					loc["full_name"] = name
				}
			}
		}
	}
	if len(loc) == 0 {
		if city := firstString(raw, "city", "area"); city != "" {
			loc["city"] = city
		}
	}

	lat, latOK := floatField(raw, "latitude", "lat")
	lon, lonOK := floatField(raw, "longitude", "lng", "lon")
	if latOK && lonOK {
		loc["lat"] = lat
		loc["lon"] = lon
	}
	if d, ok := floatField(raw, "distance", "distanceKm"); ok {
		loc["distance_km"] = d
	}

	if len(loc) == 0 {
		return nil
	}
	return loc
}

func extractSeller(raw map[string]any) map[string]any {
	seller := map[string]any{}

	if sd, ok := raw["marketplace_listing_seller"].(map[string]any); ok {
		if name := firstString(sd, "name", "display_name"); name != "" {
			seller["name"] = name
		}
		if u := firstString(sd, "url", "profile_url"); u != "" {
			seller["url"] = u
		}
	}
	if len(seller) == 0 {
		if name := firstString(raw, "sellerName", "seller", "author"); name != "" {
			seller["name"] = name
		}
		if u := firstString(raw, "sellerUrl", "sellerProfile"); u != "" {
			seller["url"] = u
		}
	}

	if r, ok := floatField(raw, "sellerRating", "rating"); ok {
		seller["rating"] = r
	}

	if len(seller) == 0 {
		return nil
	}
	return seller
}

// UniversalNormalizer extracts common fields from arbitrary source records
// using a configurable field mapping. Useful for prototyping new sources
// before writing a dedicated normalizer. A missing price yields zero rather
// than a rejection, since not every source carries one.
type UniversalNormalizer struct {
	// Mapping lists candidate field names per logical field. A nil map
	// uses the defaults.
	Mapping map[string][]string
}

var defaultMapping = map[string][]string{
	"id":       {"id", "listingId", "url"},
	"title":    {"title", "name", "text", "heading"},
	"price":    {"price", "priceText", "amount"},
	"url":      {"url", "link", "href"},
	"images":   {"images", "imageUrls", "photos"},
	"location": {"location", "city", "area"},
}

// Normalize maps one raw record to a Listing using the field mapping.
func (n UniversalNormalizer) Normalize(raw map[string]any) (parley.Listing, error) {
	mapping := n.Mapping
	if mapping == nil {
		mapping = defaultMapping
	}

	id := firstString(raw, mapping["id"]...)
	title := firstString(raw, mapping["title"]...)
	u := firstString(raw, mapping["url"]...)
	if id == "" || title == "" || u == "" {
		return parley.Listing{}, fmt.Errorf("record missing id, title, or url")
	}

	priceText := firstString(raw, mapping["price"]...)
	price, _ := parsePrice(priceText)

	var images []string
	for _, key := range mapping["images"] {
		switch v := raw[key].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					images = append(images, s)
				}
			}
		case string:
			if v != "" {
				images = append(images, v)
			}
		}
	}

	var loc map[string]any
	for _, key := range mapping["location"] {
		if city := stringField(raw, key); city != "" {
			loc = map[string]any{"city": city}
			break
		}
	}

	return parley.Listing{
		ID:       id,
		Title:    title,
		Price:    price,
		Currency: detectCurrency(priceText),
		URL:      u,
		Images:   images,
		Location: loc,
		Raw:      raw,
	}, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s)
		case float64:
			// IDs sometimes arrive as JSON numbers.
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringField(m, key); v != "" {
			return v
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
