// Package extract parses listing search pages into candidate records.
package extract

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/ingest"
)

const (
	titleSelector    = `h2[data-nagish="content-section-title"]`
	promotedSelector = `div.yad1-listing-data-content_yad1ListingDataContentBox__nWOxH`
	priceSelector    = `span.feed-item-price_price__ygoeF`
	priceAltSelector = `span[data-testid="price"]`
	addressSelector  = `span.item-data-content_heading__tphH4`
	infoSelector     = `span.item-data-content_itemInfoLine__AeoPP`
)

var (
	itemIDPattern  = regexp.MustCompile(`/realestate/item/([A-Za-z0-9]+)`)
	digitsPattern  = regexp.MustCompile(`\d+`)
	decimalPattern = regexp.MustCompile(`[\d.]+`)

	// Bidirectional control marks embedded around numerals in RTL markup.
	bidiMarks = regexp.MustCompile("[\u200b-\u200f\u202a-\u202e\u2066-\u2069]")

	infoSeparators = regexp.MustCompile(`[•·|,]`)
)

// Config controls extraction.
type Config struct {
	// BaseURL absolutizes relative listing links.
	BaseURL string

	// MinPrice/MaxPrice bound what counts as a plausible price. Values
	// outside (MinPrice, MaxPrice] are treated as noise, not prices.
	MinPrice int
	MaxPrice int
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.yad2.co.il"
	}
	if c.MaxPrice <= 0 {
		c.MaxPrice = 100_000_000
	}
}

// HTMLExtractor implements ingest.Extractor over the search result markup.
// Per-item parse failures are skipped; only an unparseable document is an
// error.
type HTMLExtractor struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds an HTMLExtractor.
func New(cfg Config, logger *zap.Logger) *HTMLExtractor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTMLExtractor{cfg: cfg, logger: logger, now: time.Now}
}

// Extract returns one candidate record per organic listing on the page.
// Promoted placements are excluded so their ids never pollute the known set.
func (e *HTMLExtractor) Extract(body []byte) ([]ingest.CandidateRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var records []ingest.CandidateRecord
	doc.Find(titleSelector).Each(func(_ int, h2 *goquery.Selection) {
		if h2.ParentsFiltered(promotedSelector).Length() > 0 {
			return
		}
		rec, ok := e.parseListing(h2)
		if !ok {
			return
		}
		records = append(records, rec)
	})

	e.logger.Debug("page extracted", zap.Int("records", len(records)))
	return records, nil
}

func (e *HTMLExtractor) parseListing(h2 *goquery.Selection) (ingest.CandidateRecord, bool) {
	container := listingContainer(h2)
	title := strings.TrimSpace(h2.Text())

	link, ok := container.Find("a[href]").First().Attr("href")
	if !ok {
		return ingest.CandidateRecord{}, false
	}
	if !strings.HasPrefix(link, "http") {
		link = e.cfg.BaseURL + link
	}
	if !strings.Contains(link, "/realestate/item/") {
		return ingest.CandidateRecord{}, false
	}

	rec := ingest.CandidateRecord{
		ExternalID: e.listingID(container, link),
		Title:      title,
		URL:        link,
		ObservedAt: e.now().UTC(),
	}

	if priceText := firstText(container, priceSelector, priceAltSelector); priceText != "" {
		rec.Price = e.parsePrice(priceText)
	}
	if rec.Price == nil {
		rec.Price = e.parsePrice(container.Text())
	}

	rec.Address = strings.TrimSpace(container.Find(addressSelector).First().Text())

	info := strings.TrimSpace(container.Find(infoSelector).First().Text())
	rec.Descriptors = info
	for _, text := range []string{info, title} {
		parseDescriptors(text, &rec)
	}

	if img := container.Find("img").First(); img.Length() > 0 {
		if src, ok := img.Attr("src"); ok && src != "" {
			rec.ImageURL = src
		} else if src, ok := img.Attr("data-src"); ok {
			rec.ImageURL = src
		}
	}

	return rec, true
}

// listingContainer walks up from the title to the nearest article or div
// that carries a link, bounded so a malformed tree cannot send it to the
// document root.
func listingContainer(h2 *goquery.Selection) *goquery.Selection {
	parent := h2.Parent()
	for depth := 0; depth < 10 && parent.Length() > 0; depth++ {
		if node := goquery.NodeName(parent); node == "article" || node == "div" {
			if parent.Find("a[href]").Length() > 0 {
				return parent
			}
		}
		parent = parent.Parent()
	}
	if p := h2.Parent(); p.Length() > 0 {
		return p
	}
	return h2
}

// listingID prefers the id embedded in the listing URL, then a data-id
// attribute, then a content fingerprint so the record is still dedupable.
func (e *HTMLExtractor) listingID(container *goquery.Selection, link string) string {
	if m := itemIDPattern.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	if id, ok := container.Attr("data-id"); ok && id != "" {
		return id
	}
	sum := md5.Sum([]byte(strings.TrimSpace(container.Text())))
	return hex.EncodeToString(sum[:])[:12]
}

// parsePrice pulls the largest digit run out of the text and bounds-checks
// it. Listing prices are formatted with thousands separators, so the largest
// run after stripping commas is the price; smaller runs are room counts and
// floor numbers.
func (e *HTMLExtractor) parsePrice(text string) *int {
	text = strings.ReplaceAll(text, ",", "")
	text = strings.ReplaceAll(text, "₪", "")
	best := 0
	for _, m := range digitsPattern.FindAllString(text, -1) {
		v, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if v > best {
			best = v
		}
	}
	if best > e.cfg.MinPrice && best <= e.cfg.MaxPrice {
		return &best
	}
	return nil
}

// parseDescriptors fills rooms, area, and floor from a bullet-separated
// descriptor line, e.g. "4 חדרים • קומה 7 • 215 מ״ר". Already-set fields
// are left alone so the info line wins over the title.
func parseDescriptors(text string, rec *ingest.CandidateRecord) {
	if text == "" {
		return
	}
	clean := bidiMarks.ReplaceAllString(text, "")
	for _, part := range infoSeparators.Split(clean, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if rec.Rooms == nil && (strings.Contains(part, "חדרים") || strings.Contains(part, "חדר")) {
			if m := decimalPattern.FindString(part); m != "" {
				if v, err := strconv.ParseFloat(m, 64); err == nil {
					rec.Rooms = &v
				}
			}
		}
		if rec.AreaSqm == nil && (strings.Contains(part, `מ"ר`) || strings.Contains(part, "מ״ר") || strings.Contains(part, "מטר")) {
			if m := digitsPattern.FindString(part); m != "" {
				if v, err := strconv.Atoi(m); err == nil {
					rec.AreaSqm = &v
				}
			}
		}
		if rec.Floor == nil && strings.Contains(part, "קומה") {
			if m := digitsPattern.FindString(part); m != "" {
				if v, err := strconv.Atoi(m); err == nil {
					rec.Floor = &v
				}
			}
		}
		if rec.Floor == nil && (strings.Contains(part, "קומת קרקע") || strings.Contains(part, "קומת כניסה")) {
			zero := 0
			rec.Floor = &zero
		}
	}
}

func firstText(container *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if s := container.Find(sel).First(); s.Length() > 0 {
			return strings.TrimSpace(s.Text())
		}
	}
	return ""
}
