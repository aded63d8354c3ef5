package inat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"specimen-curator/app/config"
	"specimen-curator/app/logger"

	"resty.dev/v3"
)

// ErrRateLimited is returned by a single request once the retry ceiling is reached.
var ErrRateLimited = errors.New("inat: rate limited")

// Observation is the subset of an API observation the pipeline reads.
type Observation struct {
	ID                int64        `json:"id"`
	URI               string       `json:"uri"`
	ObservedOnDetails *DateDetails `json:"observed_on_details"`
	Location          string       `json:"location"`
	PlaceGuess        string       `json:"place_guess"`
	PlaceIDs          []int64      `json:"place_ids"`
	Taxon             *Taxon       `json:"taxon"`
	User              User         `json:"user"`
	FieldValues       []FieldValue `json:"ofvs"`
	Description       string       `json:"description"`
}

type DateDetails struct {
	Day   int `json:"day"`
	Month int `json:"month"`
	Year  int `json:"year"`
}

type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

type FieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Taxon struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Rank        string  `json:"rank"`
	AncestorIDs []int64 `json:"ancestor_ids"`
}

type Place struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	AdminLevel *int   `json:"admin_level"`
}

type page[T any] struct {
	TotalResults int `json:"total_results"`
	Page         int `json:"page"`
	PerPage      int `json:"per_page"`
	Results      []T `json:"results"`
}

// Client talks to the observation API. Rate-limit and unavailable responses are retried
// with exponential delay up to MaxRetries times.
type Client struct {
	http       *resty.Client
	log        *logger.Logger
	maxRetries int
	perPage    int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(cfg config.INatConfig, log *logger.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(30 * time.Second)

	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 200 {
		perPage = 200
	}

	return &Client{
		http:       client,
		log:        log,
		maxRetries: cfg.MaxRetries,
		perPage:    perPage,
		baseDelay:  time.Second,
		sleep:      sleepContext,
	}
}

func (c *Client) Close() {
	c.http.Close()
}

// FetchByID loads observations by id, perPage ids per request. When the retry ceiling
// is hit the observations fetched so far are returned without an error.
func (c *Client) FetchByID(ctx context.Context, ids []int64, onProgress func(done, total int)) ([]Observation, error) {
	var out []Observation
	for start := 0; start < len(ids); start += c.perPage {
		end := min(start+c.perPage, len(ids))

		var res page[Observation]
		err := c.get(ctx, "/observations", map[string]string{
			"id":       joinIDs(ids[start:end]),
			"per_page": strconv.Itoa(c.perPage),
		}, &res)
		if errors.Is(err, ErrRateLimited) {
			c.log.Warnf("observation fetch stopped after %d of %d ids: %v", len(out), len(ids), err)
			return out, nil
		}
		if err != nil {
			return out, err
		}

		out = append(out, res.Results...)
		if onProgress != nil {
			onProgress(end, len(ids))
		}
	}
	return out, nil
}

// FetchByURL runs the observation search encoded in a website or API URL, walking the
// results in id order.
func (c *Client) FetchByURL(ctx context.Context, rawURL string, onProgress func(done, total int)) ([]Observation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse observation url: %w", err)
	}

	params := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = strings.Join(v, ",")
		}
	}
	params["order_by"] = "id"
	params["order"] = "asc"
	params["per_page"] = strconv.Itoa(c.perPage)
	delete(params, "page")

	var out []Observation
	var lastID int64
	for {
		if lastID > 0 {
			params["id_above"] = strconv.FormatInt(lastID, 10)
		}

		var res page[Observation]
		err := c.get(ctx, "/observations", params, &res)
		if errors.Is(err, ErrRateLimited) {
			c.log.Warnf("observation search stopped after %d results: %v", len(out), err)
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(res.Results) == 0 {
			return out, nil
		}

		out = append(out, res.Results...)
		lastID = res.Results[len(res.Results)-1].ID
		if onProgress != nil {
			onProgress(len(out), len(out)+max(res.TotalResults-len(res.Results), 0))
		}
		if len(res.Results) < c.perPage {
			return out, nil
		}
	}
}

// FetchPlaces loads place records by id.
func (c *Client) FetchPlaces(ctx context.Context, ids []int64) ([]Place, error) {
	var out []Place
	for start := 0; start < len(ids); start += c.perPage {
		end := min(start+c.perPage, len(ids))
		var res page[Place]
		if err := c.get(ctx, "/places/"+joinIDs(ids[start:end]), nil, &res); err != nil {
			return out, err
		}
		out = append(out, res.Results...)
	}
	return out, nil
}

// FetchTaxa loads taxon records by id.
func (c *Client) FetchTaxa(ctx context.Context, ids []int64) ([]Taxon, error) {
	var out []Taxon
	for start := 0; start < len(ids); start += c.perPage {
		end := min(start+c.perPage, len(ids))
		var res page[Taxon]
		if err := c.get(ctx, "/taxa/"+joinIDs(ids[start:end]), nil, &res); err != nil {
			return out, err
		}
		out = append(out, res.Results...)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]string, result any) error {
	for attempt := 0; ; attempt++ {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(result).
			Get(endpoint)
		if err != nil {
			return fmt.Errorf("request %s: %w", endpoint, err)
		}

		switch resp.StatusCode() {
		case http.StatusOK:
			return nil
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			if attempt >= c.maxRetries {
				return fmt.Errorf("%w: %s after %d retries", ErrRateLimited, endpoint, attempt)
			}
			delay := c.baseDelay << attempt
			c.log.Debugf("%s returned %d, retrying in %s", endpoint, resp.StatusCode(), delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return fmt.Errorf("request %s: status %d: %s", endpoint, resp.StatusCode(), resp.String())
		}
	}
}

// ObservationID extracts the numeric id from an observation URL.
func ObservationID(rawURL string) (int64, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Path == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(path.Base(u.Path), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
