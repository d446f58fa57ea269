package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Wiki fetches the plain-text body of an encyclopedia article by title.
type Wiki struct {
	endpoint string
	client   *http.Client
}

// NewWiki returns the EgoWiki tool for the given language edition. A
// non-empty endpoint overrides the MediaWiki API URL.
func NewWiki(lang, endpoint string) *Wiki {
	if lang == "" {
		lang = "en"
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.wikipedia.org/w/api.php", lang)
	}
	return &Wiki{endpoint: endpoint, client: &http.Client{Timeout: 20 * time.Second}}
}

func (w *Wiki) Name() string { return "EgoWiki" }

func (w *Wiki) Description() string {
	return "Wikipedia article text for one specific term. The query must be the exact article TITLE, not a phrase or question."
}

type wikiResponse struct {
	Query struct {
		Pages []struct {
			Title   string `json:"title"`
			Missing bool   `json:"missing"`
			Invalid bool   `json:"invalid"`
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

func (w *Wiki) Invoke(ctx context.Context, query string) Result {
	title := strings.TrimSpace(query)
	if title == "" {
		return Errorf("EgoWiki: empty title")
	}

	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"prop":          {"extracts"},
		"explaintext":   {"1"},
		"redirects":     {"1"},
		"titles":        {title},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Errorf("EgoWiki error: %v", err)
	}
	req.Header.Set("User-Agent", "EGO knowledge (https://github.com/qzbxwv/EGO)")

	resp, err := w.client.Do(req)
	if err != nil {
		return Errorf("EgoWiki error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errorf("EgoWiki error: status %d", resp.StatusCode)
	}

	var body wikiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Errorf("EgoWiki error: decode response: %v", err)
	}
	for _, p := range body.Query.Pages {
		if p.Missing || p.Invalid || p.Extract == "" {
			continue
		}
		return Result{Content: p.Extract}
	}
	return Result{Content: fmt.Sprintf("Article %q was not found on Wikipedia.", title)}
}
