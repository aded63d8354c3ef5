package inat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"specimen-curator/app/config"
	"specimen-curator/app/logger"
)

func newTestClient(t *testing.T, baseURL string, retries, perPage int) (*Client, *[]time.Duration) {
	t.Helper()
	c := New(config.INatConfig{BaseURL: baseURL, MaxRetries: retries, PerPage: perPage}, logger.Nop())
	t.Cleanup(c.Close)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func writeObservations(w http.ResponseWriter, total int, ids ...int64) {
	res := page[Observation]{TotalResults: total}
	for _, id := range ids {
		res.Results = append(res.Results, Observation{ID: id, URI: "https://www.inaturalist.org/observations/" + strconv.FormatInt(id, 10)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func TestRetriesWithExponentialDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			writeObservations(w, 1, 42)
		}
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, 5, 10)
	obs, err := c.FetchByID(context.Background(), []int64{42}, nil)
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if len(obs) != 1 || obs[0].ID != 42 {
		t.Fatalf("observations = %+v", obs)
	}
	if len(*delays) != 2 || (*delays)[0] != time.Second || (*delays)[1] != 2*time.Second {
		t.Fatalf("delays = %v", *delays)
	}
}

func TestRateLimitCeilingReturnsAccumulated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Query().Get("id"), "1,") {
			writeObservations(w, 2, 1, 2)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, delays := newTestClient(t, srv.URL, 3, 2)
	var progress []int
	obs, err := c.FetchByID(context.Background(), []int64{1, 2, 3}, func(done, total int) {
		progress = append(progress, done)
	})
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want the first batch", len(obs))
	}
	if len(*delays) != 3 {
		t.Fatalf("retried %d times, want 3", len(*delays))
	}
	if len(progress) != 1 || progress[0] != 2 {
		t.Fatalf("progress = %v", progress)
	}
}

func TestServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3, 2)
	if _, err := c.FetchByID(context.Background(), []int64{1}, nil); err == nil {
		t.Fatalf("expected an error for status 500")
	}
}

func TestFetchByURLWalksByID(t *testing.T) {
	all := []int64{3, 8, 11, 20, 31}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("project_id") != "bees" || q.Get("order_by") != "id" {
			t.Errorf("query = %v", q)
		}
		above, _ := strconv.ParseInt(q.Get("id_above"), 10, 64)
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		var ids []int64
		remaining := 0
		for _, id := range all {
			if id > above {
				remaining++
				if len(ids) < perPage {
					ids = append(ids, id)
				}
			}
		}
		writeObservations(w, remaining, ids...)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0, 2)
	obs, err := c.FetchByURL(context.Background(), "https://www.inaturalist.org/observations?project_id=bees&page=4", nil)
	if err != nil {
		t.Fatalf("FetchByURL: %v", err)
	}
	if len(obs) != len(all) {
		t.Fatalf("got %d observations, want %d", len(obs), len(all))
	}
	for i, o := range obs {
		if o.ID != all[i] {
			t.Fatalf("observation %d has id %d, want %d", i, o.ID, all[i])
		}
	}
}

func TestObservationID(t *testing.T) {
	cases := map[string]int64{
		"https://www.inaturalist.org/observations/123456": 123456,
		" https://inaturalist.org/observations/7 ":        7,
		"https://www.inaturalist.org/observations/":       0,
		"not a url":                                       0,
	}
	for in, want := range cases {
		got, ok := ObservationID(in)
		if got != want || ok != (want != 0) {
			t.Fatalf("ObservationID(%q) = %d, %v", in, got, ok)
		}
	}
}
