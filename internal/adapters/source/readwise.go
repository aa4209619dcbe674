package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"highlightsync/internal/adapters/util"
	"highlightsync/internal/core/domain/ports"
)

var _ ports.HighlightSource = (*ReadwiseAdapter)(nil)

// maxPages bounds a single export walk in case the cursor never terminates.
const maxPages = 10000

type ReadwiseAdapter struct {
	exportURL string
	token     string
	client    *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
}

type ReadwiseOptions struct {
	BaseURL           string
	Token             string
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	Logger            zerolog.Logger
}

func NewReadwiseAdapter(opts ReadwiseOptions) *ReadwiseAdapter {
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &util.RetryTransport{
		Base:       &util.LoggingTransport{Logger: opts.Logger},
		MaxRetries: opts.MaxRetries,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Logger:     opts.Logger,
	}

	return &ReadwiseAdapter{
		exportURL: strings.TrimRight(opts.BaseURL, "/") + "/export/",
		token:     opts.Token,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		log:       opts.Logger,
	}
}

type exportPage struct {
	NextPageCursor any   `json:"nextPageCursor"`
	Results        []any `json:"results"`
}

// FetchHighlights walks the export endpoint and returns every book record.
// With a non-nil since only books updated after it are requested.
func (a *ReadwiseAdapter) FetchHighlights(ctx context.Context, since *time.Time) ([]map[string]any, error) {
	if a.token == "" {
		return nil, fmt.Errorf("readwise token is not configured")
	}

	evt := a.log.Info().Str("url", a.exportURL)
	if since != nil {
		evt = evt.Time("updated_after", *since)
	}
	evt.Msg("Fetching highlights")

	var books []map[string]any
	cursor := ""
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("export did not finish after %d pages", maxPages)
		}

		result, err := a.fetchPage(ctx, since, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch export page %d: %w", page, err)
		}

		dropped := 0
		for _, r := range result.Results {
			if m, ok := r.(map[string]any); ok {
				books = append(books, m)
			} else {
				dropped++
			}
		}
		if dropped > 0 {
			a.log.Warn().Int("page", page).Int("dropped", dropped).Msg("Non-object entries in export results")
		}

		next := cursorString(result.NextPageCursor)
		a.log.Debug().Int("page", page).Int("results", len(result.Results)).Str("next", next).Msg("Export page")
		if next == "" {
			break
		}
		cursor = next
	}

	a.log.Info().Int("books", len(books)).Msg("Fetch complete")
	return books, nil
}

func (a *ReadwiseAdapter) fetchPage(ctx context.Context, since *time.Time, cursor string) (*exportPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	if since != nil {
		q.Set("updatedAfter", since.UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}
	target := a.exportURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page exportPage
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode export page: %w", err)
	}
	return &page, nil
}

func cursorString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	default:
		return fmt.Sprint(c)
	}
}
