package rpde

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HarvestedItem is a feed item as read back from a page.
type HarvestedItem struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	State    State           `json:"state"`
	Modified int64           `json:"modified"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type harvestedPage struct {
	Next  string          `json:"next"`
	Items []HarvestedItem `json:"items"`
}

// Harvester walks a feed by following next links.
type Harvester struct {
	Client *http.Client
	Header http.Header
	// MaxPages stops a harvest early; 0 means no limit.
	MaxPages int
}

// HarvestResult reports where a harvest stopped.
type HarvestResult struct {
	Pages int
	Items int
	// Next is the url to poll for later changes.
	Next string
}

// Harvest reads pages from startURL until it reaches an empty page, calling
// fn for every item.
func (h *Harvester) Harvest(ctx context.Context, startURL string, fn func(HarvestedItem) error) (HarvestResult, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	res := HarvestResult{Next: startURL}
	for h.MaxPages == 0 || res.Pages < h.MaxPages {
		page, err := h.fetch(ctx, client, res.Next)
		if err != nil {
			return res, err
		}
		res.Pages++
		if len(page.Items) == 0 {
			return res, nil
		}
		if page.Next == "" || page.Next == res.Next {
			return res, fmt.Errorf("page %s has items but does not advance", res.Next)
		}
		for _, item := range page.Items {
			if err := fn(item); err != nil {
				return res, err
			}
			res.Items++
		}
		res.Next = page.Next
	}
	return res, nil
}

func (h *Harvester) fetch(ctx context.Context, client *http.Client, pageURL string) (*harvestedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d: %s", pageURL, resp.StatusCode, body)
	}

	var page harvestedPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode page %s: %w", pageURL, err)
	}
	return &page, nil
}
