package marketplace

import (
	"strings"
	"testing"
	"time"
)

func fbRecord() map[string]any {
	return map[string]any{
		"id":                        "123456789",
		"marketplace_listing_title": "Vintage road bike",
		"listing_price": map[string]any{
			"formatted_amount": "$250",
		},
		"listingUrl": "https://www.facebook.com/marketplace/item/123456789/",
		"postedAt":   "2026-08-01T10:00:00Z",
		"primary_listing_photo": map[string]any{
			"photo_image_url": "https://img.example/a.jpg",
		},
		"images": []any{"https://img.example/a.jpg", "https://img.example/b.jpg"},
		"location": map[string]any{
			"reverse_geocode": map[string]any{
				"city":  "Austin",
				"state": "TX",
				"city_page": map[string]any{
					"display_name": "Austin, Texas",
				},
			},
		},
		"marketplace_listing_seller": map[string]any{
			"name": "Sam",
		},
	}
}

func TestFacebookNormalize(t *testing.T) {
	l, err := FacebookNormalizer{}.Normalize(fbRecord())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if l.ID != "123456789" || l.Title != "Vintage road bike" {
		t.Errorf("listing = %+v", l)
	}
	if l.Price != 250 || l.Currency != "USD" {
		t.Errorf("price = %v %s", l.Price, l.Currency)
	}
	if len(l.Images) != 2 {
		t.Errorf("images = %v (photo url should dedupe)", l.Images)
	}
	if l.Location["city"] != "Austin" || l.Location["full_name"] != "Austin, Texas" {
		t.Errorf("location = %v", l.Location)
	}
	if l.Seller["name"] != "Sam" {
		t.Errorf("seller = %v", l.Seller)
	}
	if !l.PostedAt.Equal(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("posted at = %v", l.PostedAt)
	}
	if l.Raw == nil {
		t.Error("raw record dropped")
	}
}

func TestFacebookNormalizeIDFromURL(t *testing.T) {
	raw := map[string]any{
		"title":      "Couch",
		"price":      "€80",
		"listingUrl": "https://www.facebook.com/marketplace/item/987001/",
	}
	l, err := FacebookNormalizer{}.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if l.ID != "987001" {
		t.Errorf("id = %q", l.ID)
	}
	if l.Currency != "EUR" {
		t.Errorf("currency = %q", l.Currency)
	}
}

func TestFacebookNormalizeNumericID(t *testing.T) {
	raw := fbRecord()
	raw["id"] = float64(42)
	l, err := FacebookNormalizer{}.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if l.ID != "42" {
		t.Errorf("id = %q", l.ID)
	}
}

func TestFacebookNormalizeRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"no id", func(r map[string]any) {
			delete(r, "id")
			delete(r, "listingUrl")
		}, "no usable id"},
		{"no title", func(r map[string]any) {
			delete(r, "marketplace_listing_title")
		}, "no title"},
		{"no price", func(r map[string]any) {
			delete(r, "listing_price")
		}, "price"},
		{"garbage price", func(r map[string]any) {
			r["listing_price"] = map[string]any{"formatted_amount": "call me"}
		}, "price"},
	}
	for _, tc := range cases {
		raw := fbRecord()
		tc.mutate(raw)
		_, err := FacebookNormalizer{}.Normalize(raw)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestFacebookNormalizeNoURL(t *testing.T) {
	raw := map[string]any{"id": "1", "title": "t", "price": "$5"}
	_, err := FacebookNormalizer{}.Normalize(raw)
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Errorf("err = %v", err)
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$250", 250, true},
		{"1,299.50 USD", 1299.50, true},
		{"₪3,000", 3000, true},
		{"free", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePrice(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parsePrice(%q) = %v, %v", tc.in, got, ok)
		}
	}
}

func TestDetectCurrency(t *testing.T) {
	cases := map[string]string{
		"$99":      "USD",
		"€45":      "EUR",
		"£12":      "GBP",
		"₪100":     "ILS",
		"45 eur":   "EUR",
		"250 CAD":  "CAD",
		"whatever": "USD",
		"":         "USD",
	}
	for in, want := range cases {
		if got := detectCurrency(in); got != want {
			t.Errorf("detectCurrency(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUniversalNormalize(t *testing.T) {
	raw := map[string]any{
		"id":    "x-1",
		"name":  "Desk lamp",
		"price": "$15",
		"link":  "https://shop.example/x-1",
		"city":  "Berlin",
	}
	l, err := UniversalNormalizer{}.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if l.ID != "x-1" || l.Title != "Desk lamp" || l.URL != "https://shop.example/x-1" {
		t.Errorf("listing = %+v", l)
	}
	if l.Price != 15 || l.Location["city"] != "Berlin" {
		t.Errorf("listing = %+v", l)
	}
}

func TestUniversalNormalizeCustomMapping(t *testing.T) {
	n := UniversalNormalizer{Mapping: map[string][]string{
		"id":    {"sku"},
		"title": {"label"},
		"url":   {"permalink"},
	}}
	raw := map[string]any{"sku": "s9", "label": "Chair", "permalink": "https://x/s9"}
	l, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	// No price mapping: zero price is accepted.
	if l.ID != "s9" || l.Price != 0 {
		t.Errorf("listing = %+v", l)
	}
}

func TestUniversalNormalizeRejects(t *testing.T) {
	_, err := UniversalNormalizer{}.Normalize(map[string]any{"id": "1"})
	if err == nil {
		t.Error("incomplete record accepted")
	}
}
