// Package collector harvests finished Hadoop jobs from the JobHistory
// server and writes one usage report per Calvalus job.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const historyPath = "/ws/v1/history/mapreduce/jobs"

// Job is one entry of the JobHistory job list. Times are milliseconds since
// the epoch.
type Job struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Queue            string `json:"queue"`
	User             string `json:"user"`
	State            string `json:"state"`
	SubmitTime       int64  `json:"submitTime"`
	StartTime        int64  `json:"startTime"`
	FinishTime       int64  `json:"finishTime"`
	MapsTotal        int    `json:"mapsTotal"`
	MapsCompleted    int    `json:"mapsCompleted"`
	ReducesTotal     int    `json:"reducesTotal"`
	ReducesCompleted int    `json:"reducesCompleted"`
}

type jobsResponse struct {
	Jobs *struct {
		Job []Job `json:"job"`
	} `json:"jobs"`
}

// Conf is the flattened job configuration.
type Conf map[string]string

type confResponse struct {
	Conf struct {
		Property []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"property"`
	} `json:"conf"`
}

// Counters maps "group/name" to the total counter value.
type Counters map[string]int64

func (c Counters) Get(group, name string) int64 {
	return c[group+"/"+name]
}

type countersResponse struct {
	JobCounters struct {
		CounterGroup []struct {
			CounterGroupName string `json:"counterGroupName"`
			Counter          []struct {
				Name               string `json:"name"`
				TotalCounterValue  int64  `json:"totalCounterValue"`
				MapCounterValue    int64  `json:"mapCounterValue"`
				ReduceCounterValue int64  `json:"reduceCounterValue"`
			} `json:"counter"`
		} `json:"counterGroup"`
	} `json:"jobCounters"`
}

// HistoryError is a non-2xx answer of the JobHistory server.
type HistoryError struct {
	Status int
	Body   string
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("jobhistory: status %d: %s", e.Status, e.Body)
}

// JobSource is what the collector needs from the JobHistory server.
type JobSource interface {
	ListJobs(ctx context.Context, finishedTimeBegin int64) ([]Job, error)
	JobConf(ctx context.Context, jobID string) (Conf, error)
	JobCounters(ctx context.Context, jobID string) (Counters, error)
}

type JobHistoryClient struct {
	base *url.URL
	http *http.Client
}

func NewJobHistoryClient(baseURL string, httpClient *http.Client) (*JobHistoryClient, error) {
	if baseURL == "" {
		return nil, errors.New("jobhistory url is not configured")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse jobhistory url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &JobHistoryClient{base: u, http: httpClient}, nil
}

// ListJobs returns the jobs finished at or after finishedTimeBegin.
func (c *JobHistoryClient) ListJobs(ctx context.Context, finishedTimeBegin int64) ([]Job, error) {
	q := url.Values{}
	if finishedTimeBegin > 0 {
		q.Set("finishedTimeBegin", strconv.FormatInt(finishedTimeBegin, 10))
	}
	var resp jobsResponse
	if err := c.get(ctx, historyPath, q, &resp); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if resp.Jobs == nil {
		return nil, nil
	}
	return resp.Jobs.Job, nil
}

func (c *JobHistoryClient) JobConf(ctx context.Context, jobID string) (Conf, error) {
	var resp confResponse
	if err := c.get(ctx, historyPath+"/"+url.PathEscape(jobID)+"/conf", nil, &resp); err != nil {
		return nil, fmt.Errorf("conf of %s: %w", jobID, err)
	}
	conf := make(Conf, len(resp.Conf.Property))
	for _, p := range resp.Conf.Property {
		conf[p.Name] = p.Value
	}
	return conf, nil
}

func (c *JobHistoryClient) JobCounters(ctx context.Context, jobID string) (Counters, error) {
	var resp countersResponse
	if err := c.get(ctx, historyPath+"/"+url.PathEscape(jobID)+"/counters", nil, &resp); err != nil {
		return nil, fmt.Errorf("counters of %s: %w", jobID, err)
	}
	counters := make(Counters)
	for _, g := range resp.JobCounters.CounterGroup {
		for _, ct := range g.Counter {
			counters[g.CounterGroupName+"/"+ct.Name] = ct.TotalCounterValue
		}
	}
	return counters, nil
}

func (c *JobHistoryClient) get(ctx context.Context, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &HistoryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
