package flowsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sdn-rl-controller/internal/routing"
)

// OfctlClient talks to the Ryu ofctl_rest application.
type OfctlClient struct {
	baseURL string
	client  *http.Client
}

func NewOfctlClient(baseURL string, client *http.Client) *OfctlClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &OfctlClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type ofctlMatch struct {
	InPort int    `json:"in_port"`
	DlDst  string `json:"dl_dst"`
}

type ofctlAction struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

type ofctlFlowMod struct {
	DPID     uint64        `json:"dpid"`
	TableID  int           `json:"table_id"`
	Priority int           `json:"priority"`
	Match    ofctlMatch    `json:"match"`
	Actions  []ofctlAction `json:"actions"`
}

type ofctlFlowStat struct {
	Priority int                    `json:"priority"`
	Match    map[string]interface{} `json:"match"`
	Actions  []string               `json:"actions"`
}

func (c *OfctlClient) ListFlows(ctx context.Context, dpid uint64, priority int) ([]routing.FlowEntry, error) {
	body := map[string]int{"priority": priority}
	var resp map[string][]ofctlFlowStat
	if err := c.post(ctx, "/stats/flow/"+strconv.FormatUint(dpid, 10), body, &resp); err != nil {
		return nil, err
	}

	var out []routing.FlowEntry
	for _, stat := range resp[strconv.FormatUint(dpid, 10)] {
		if stat.Priority != priority {
			continue
		}
		flow, ok := parseFlowStat(dpid, stat)
		if !ok {
			continue
		}
		out = append(out, flow)
	}
	sortFlows(out)
	return out, nil
}

func (c *OfctlClient) InstallFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error {
	return c.post(ctx, "/stats/flowentry/add", flowMod(dpid, priority, flow), nil)
}

func (c *OfctlClient) RemoveFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error {
	return c.post(ctx, "/stats/flowentry/delete_strict", flowMod(dpid, priority, flow), nil)
}

func flowMod(dpid uint64, priority int, flow routing.FlowEntry) ofctlFlowMod {
	return ofctlFlowMod{
		DPID:     dpid,
		TableID:  0,
		Priority: priority,
		Match:    ofctlMatch{InPort: flow.InPort, DlDst: flow.EthDst},
		Actions:  []ofctlAction{{Type: "OUTPUT", Port: flow.OutPort}},
	}
}

// parseFlowStat accepts only entries shaped like the ones this controller
// installs: in_port + destination MAC matched, a single OUTPUT action.
func parseFlowStat(dpid uint64, stat ofctlFlowStat) (routing.FlowEntry, bool) {
	inPort, ok := stat.Match["in_port"].(float64)
	if !ok {
		return routing.FlowEntry{}, false
	}
	dst, ok := stat.Match["dl_dst"].(string)
	if !ok {
		dst, ok = stat.Match["eth_dst"].(string)
		if !ok {
			return routing.FlowEntry{}, false
		}
	}
	if len(stat.Actions) != 1 || !strings.HasPrefix(stat.Actions[0], "OUTPUT:") {
		return routing.FlowEntry{}, false
	}
	out, err := strconv.Atoi(strings.TrimPrefix(stat.Actions[0], "OUTPUT:"))
	if err != nil {
		return routing.FlowEntry{}, false
	}
	return routing.FlowEntry{
		DPID:    dpid,
		InPort:  int(inPort),
		OutPort: out,
		EthDst:  strings.ToLower(dst),
	}, true
}

func (c *OfctlClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ofctl %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("ofctl %s: read response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("ofctl %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ofctl %s: decode response: %w", path, err)
	}
	return nil
}
