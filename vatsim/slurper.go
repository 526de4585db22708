// vatsim/slurper.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package vatsim

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MorpheusXAUT/vacs-server/protocol"
)

// Slurper looks up a single user's live connections. Unlike the data
// feed this is not cached upstream, so it is the authority for "is this
// user connected as ATC right now" during login.
type Slurper interface {
	ControllerInfo(ctx context.Context, cid protocol.ClientId) (*ControllerInfo, error)
}

// SlurperClient queries the VATSIM slurper endpoint. Responses are plain
// text, one connection per line:
//
//	1000001,atc,LOWW_TWR,119.400,48.110,16.570
type SlurperClient struct {
	baseUrl string
	client  *http.Client
}

func NewSlurperClient(baseUrl string, timeout time.Duration) *SlurperClient {
	return &SlurperClient{
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ControllerInfo returns the user's ATC connection, or nil if the user
// is not connected as ATC. When multiple ATC lines exist (e.g. a
// position plus an ATIS), the first with a recognizable facility wins.
func (s *SlurperClient) ControllerInfo(ctx context.Context, cid protocol.ClientId) (*ControllerInfo, error) {
	reqUrl := s.baseUrl + "/users/info/?cid=" + url.QueryEscape(string(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slurper returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return parseSlurperResponse(cid, string(body)), nil
}

func parseSlurperResponse(cid protocol.ClientId, body string) *ControllerInfo {
	var first *ControllerInfo
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) < 4 || fields[1] != "atc" {
			continue
		}

		info := &ControllerInfo{
			Cid:       cid,
			Callsign:  fields[2],
			Frequency: fields[3],
			Facility:  FacilityFromCallsign(fields[2]),
		}
		if info.Facility != FacilityUnknown {
			return info
		}
		if first == nil {
			first = info
		}
	}
	return first
}
