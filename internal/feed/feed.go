// Package feed fetches the Epic Games Store free-games promotions and turns
// them into storage items.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"freegamesbot/internal/storage"
	logx "freegamesbot/pkg/logx"
)

const (
	DefaultURL     = "https://store-site-backend-static-ipv4.ak.epicgames.com/freeGamesPromotions?locale=en-US&country=US&allowCountries=US"
	DefaultTimeout = 10 * time.Second

	pageBase         = "https://store.epicgames.com/en-US/p/"
	fallbackThumb    = "https://upload.wikimedia.org/wikipedia/commons/thumb/5/57/Epic_games_store_logo.svg/800px-Epic_games_store_logo.svg.png"
	maxResponseBytes = 8 << 20
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

var ErrEmpty = errors.New("feed: no catalog elements")

type Config struct {
	Enabled bool
	URL     string
	Timeout time.Duration
}

// Client polls the promotions endpoint.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log.Component("feed")}
}

// Fetch downloads the promotions and returns every currently or soon free
// item. A failed fetch is not retried; the next scheduled run tries again.
func (c *Client) Fetch(ctx context.Context) ([]storage.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", "https://store.epicgames.com")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: http %d", resp.StatusCode)
	}
	items, err := Parse(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	c.log.Debug("feed fetched", logx.Int("items", len(items)), logx.Duration("dur", time.Since(start)))
	return items, nil
}

type payload struct {
	Data struct {
		Catalog struct {
			SearchStore struct {
				Elements []element `json:"elements"`
			} `json:"searchStore"`
		} `json:"Catalog"`
	} `json:"data"`
}

type element struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	KeyImages   []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"keyImages"`
	CatalogNs struct {
		Mappings []struct {
			PageSlug string `json:"pageSlug"`
			PageType string `json:"pageType"`
		} `json:"mappings"`
	} `json:"catalogNs"`
	Price struct {
		TotalPrice struct {
			FmtPrice struct {
				OriginalPrice string `json:"originalPrice"`
			} `json:"fmtPrice"`
		} `json:"totalPrice"`
	} `json:"price"`
	Promotions *struct {
		PromotionalOffers []struct {
			PromotionalOffers []offer `json:"promotionalOffers"`
		} `json:"promotionalOffers"`
	} `json:"promotions"`
}

type offer struct {
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	DiscountSetting struct {
		DiscountPercentage *int `json:"discountPercentage"`
	} `json:"discountSetting"`
}

// Parse decodes a promotions payload. Only offers with a 0% price ratio
// (free) become items; one element may yield several items.
func Parse(r io.Reader) ([]storage.Item, error) {
	var p payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("feed: decode: %w", err)
	}
	elems := p.Data.Catalog.SearchStore.Elements
	if elems == nil {
		return nil, ErrEmpty
	}
	var out []storage.Item
	for _, e := range elems {
		if e.Promotions == nil {
			continue
		}
		for _, container := range e.Promotions.PromotionalOffers {
			for _, o := range container.PromotionalOffers {
				if pct := o.DiscountSetting.DiscountPercentage; pct == nil || *pct != 0 {
					continue
				}
				out = append(out, storage.Item{
					Title:         e.Title,
					Description:   e.Description,
					Thumbnail:     e.thumbnail(),
					Page:          e.page(),
					OriginalPrice: e.Price.TotalPrice.FmtPrice.OriginalPrice,
					StartDate:     o.StartDate.UTC(),
					EndDate:       o.EndDate.UTC(),
				})
			}
		}
	}
	return out, nil
}

func (e element) thumbnail() string {
	for _, img := range e.KeyImages {
		if img.Type == "Thumbnail" && img.URL != "" {
			return img.URL
		}
	}
	return fallbackThumb
}

func (e element) page() string {
	for _, m := range e.CatalogNs.Mappings {
		if m.PageType == "productHome" && m.PageSlug != "" {
			return pageBase + strings.TrimPrefix(m.PageSlug, "/")
		}
	}
	return pageBase
}
