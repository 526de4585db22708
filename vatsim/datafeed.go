// vatsim/datafeed.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package vatsim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MorpheusXAUT/vacs-server/protocol"
)

const userAgent = "vacs-server"

// DataFeed reports all ATC connections currently on the network. The
// periodic session sync runs against this ground truth.
type DataFeed interface {
	FetchControllers(ctx context.Context) ([]ControllerInfo, error)
}

// VatsimDataFeed reads the public json data feed. The feed is a cached
// snapshot regenerated every 15 seconds or so upstream; requests are
// cheap but the data always lags slightly.
type VatsimDataFeed struct {
	url    string
	client *http.Client
}

func NewVatsimDataFeed(url string, timeout time.Duration) *VatsimDataFeed {
	return &VatsimDataFeed{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *VatsimDataFeed) FetchControllers(ctx context.Context) ([]ControllerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("data feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var feed struct {
		Controllers []struct {
			Cid       int    `json:"cid"`
			Callsign  string `json:"callsign"`
			Frequency string `json:"frequency"`
			Facility  int    `json:"facility"`
		} `json:"controllers"`
	}
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, err
	}

	controllers := make([]ControllerInfo, 0, len(feed.Controllers))
	for _, c := range feed.Controllers {
		// Facility 0 is an observer connection; those hold no position.
		if c.Facility == 0 {
			continue
		}
		controllers = append(controllers, ControllerInfo{
			Cid:       protocol.ClientId(fmt.Sprint(c.Cid)),
			Callsign:  c.Callsign,
			Frequency: c.Frequency,
			Facility:  FacilityFromFeed(c.Facility),
		})
	}
	return controllers, nil
}

// StaticDataFeed serves a fixed controller list, settable at runtime. It
// backs tests and the local development mode where no network access is
// wanted.
type StaticDataFeed struct {
	mu          sync.Mutex
	failing     bool
	controllers []ControllerInfo
}

func NewStaticDataFeed(controllers ...ControllerInfo) *StaticDataFeed {
	return &StaticDataFeed{controllers: controllers}
}

func (f *StaticDataFeed) FetchControllers(ctx context.Context) ([]ControllerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, fmt.Errorf("static data feed set to fail")
	}
	return slices.Clone(f.controllers), nil
}

func (f *StaticDataFeed) Add(c ControllerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers = append(f.controllers, c)
}

func (f *StaticDataFeed) Remove(cid protocol.ClientId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers = slices.DeleteFunc(f.controllers, func(c ControllerInfo) bool {
		return c.Cid == cid
	})
}

func (f *StaticDataFeed) SetControllers(controllers []ControllerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers = slices.Clone(controllers)
}

func (f *StaticDataFeed) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}
