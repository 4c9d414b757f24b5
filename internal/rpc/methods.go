package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/LeJamon/trustrelay/internal/core/events"
	"github.com/LeJamon/trustrelay/internal/pathfind"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/ethereum/go-ethereum/common"
)

// Method names served over HTTP and websocket.
const (
	MethodFindPath       = "find_path"
	MethodGetCapacity    = "get_capacity"
	MethodGetEdge        = "get_edge"
	MethodAccountSummary = "account_summary"
	MethodNetworks       = "networks"
	MethodNetworksOfUser = "networks_of_user"
	MethodSyncStatus     = "sync_status"
	MethodNetworkEvents  = "network_events"
	MethodUserEvents     = "user_events"
)

// Amount accepts a JSON number or a decimal string.
type Amount int64

func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	data = bytes.Trim(data, `"`)
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", data)
	}
	*a = Amount(v)
	return nil
}

// RegisterMethods registers every query method of backend on r.
func RegisterMethods(r *MethodRegistry, backend Backend) {
	m := &methods{backend: backend}
	r.Register(MethodFindPath, MethodFunc(m.findPath))
	r.Register(MethodGetCapacity, MethodFunc(m.getCapacity))
	r.Register(MethodGetEdge, MethodFunc(m.getEdge))
	r.Register(MethodAccountSummary, MethodFunc(m.accountSummary))
	r.Register(MethodNetworks, MethodFunc(m.networks))
	r.Register(MethodNetworksOfUser, MethodFunc(m.networksOfUser))
	r.Register(MethodSyncStatus, MethodFunc(m.syncStatus))
	r.Register(MethodNetworkEvents, MethodFunc(m.networkEvents))
	r.Register(MethodUserEvents, MethodFunc(m.userEvents))
}

type methods struct {
	backend Backend
}

func parseParams(params json.RawMessage, v interface{}) *RpcError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return RpcErrorInvalidParams("Invalid parameters: " + err.Error())
	}
	return nil
}

func parseAddress(field, value string) (common.Address, *RpcError) {
	if value == "" {
		return common.Address{}, RpcErrorInvalidParams("Missing field '" + field + "'")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, RpcErrorInvalidParams("Malformed address in '" + field + "'")
	}
	return common.HexToAddress(value), nil
}

// findPathParams are the find_path parameters. amount is what target
// receives, or with direction "reverse" what source sends. An absent
// max_fee is unbounded; 0 asks for fee-free paths only.
type findPathParams struct {
	Network    string  `json:"network"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Amount     Amount  `json:"amount"`
	Direction  string  `json:"direction,omitempty"`
	MaxHops    int     `json:"max_hops,omitempty"`
	MaxFee     *Amount `json:"max_fee,omitempty"`
	MaxResults int     `json:"max_results,omitempty"`
	TimeoutMs  int64   `json:"timeout_ms,omitempty"`
}

type pathResult struct {
	Accounts     []common.Address `json:"path"`
	Amounts      []int64          `json:"amounts"`
	Fee          int64            `json:"fee"`
	Hops         int              `json:"hops"`
	SourceAmount int64            `json:"source_amount"`
	TargetAmount int64            `json:"target_amount"`
}

func (m *methods) findPath(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p findPathParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	network, rpcErr := parseAddress("network", p.Network)
	if rpcErr != nil {
		return nil, rpcErr
	}
	source, rpcErr := parseAddress("source", p.Source)
	if rpcErr != nil {
		return nil, rpcErr
	}
	target, rpcErr := parseAddress("target", p.Target)
	if rpcErr != nil {
		return nil, rpcErr
	}
	direction, err := pathfind.ParseDirection(p.Direction)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}

	q := pathfind.Query{
		Source:     source,
		Target:     target,
		Amount:     int64(p.Amount),
		MaxHops:    p.MaxHops,
		MaxResults: p.MaxResults,
		Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
		Direction:  direction,
	}
	if p.MaxFee != nil {
		q.MaxFee = pathfind.FeeBudget(int64(*p.MaxFee))
	}
	res, err := m.backend.FindPath(ctx.Context, network, q)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}

	paths := make([]pathResult, 0, len(res.Paths))
	for _, path := range res.Paths {
		paths = append(paths, pathResult{
			Accounts:     path.Accounts,
			Amounts:      path.Amounts,
			Fee:          path.Fee,
			Hops:         path.Hops(),
			SourceAmount: path.SourceAmount(),
			TargetAmount: path.TargetAmount(),
		})
	}
	return map[string]interface{}{
		"network":   network,
		"source":    source,
		"target":    target,
		"amount":    int64(p.Amount),
		"direction": direction.String(),
		"paths":     paths,
		"truncated": res.Truncated,
	}, nil
}

type edgeParams struct {
	Network string `json:"network"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (p edgeParams) addresses() (network, from, to common.Address, rpcErr *RpcError) {
	if network, rpcErr = parseAddress("network", p.Network); rpcErr != nil {
		return
	}
	if from, rpcErr = parseAddress("from", p.From); rpcErr != nil {
		return
	}
	to, rpcErr = parseAddress("to", p.To)
	return
}

func (m *methods) getCapacity(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p edgeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	network, from, to, rpcErr := p.addresses()
	if rpcErr != nil {
		return nil, rpcErr
	}
	capacity, err := m.backend.GetCapacity(network, from, to)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}
	return map[string]interface{}{
		"network":  network,
		"from":     from,
		"to":       to,
		"capacity": capacity,
	}, nil
}

func (m *methods) getEdge(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p edgeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	network, from, to, rpcErr := p.addresses()
	if rpcErr != nil {
		return nil, rpcErr
	}
	edge, ok, err := m.backend.GetEdge(network, from, to)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}
	result := map[string]interface{}{
		"network": network,
		"exists":  ok,
	}
	if ok {
		result["edge"] = edge
	}
	return result, nil
}

type accountSummaryParams struct {
	Network      string `json:"network"`
	Account      string `json:"account"`
	Counterparty string `json:"counterparty,omitempty"`
}

// accountSummary aggregates all of an account's trustlines, or the one it
// shares with counterparty when given.
func (m *methods) accountSummary(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p accountSummaryParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	network, rpcErr := parseAddress("network", p.Network)
	if rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := parseAddress("account", p.Account)
	if rpcErr != nil {
		return nil, rpcErr
	}

	result := map[string]interface{}{
		"network": network,
		"account": account,
	}
	if p.Counterparty == "" {
		summary, err := m.backend.AccountSummary(network, account)
		if err != nil {
			return nil, RpcErrorFrom(err)
		}
		result["summary"] = summary
		return result, nil
	}

	counterparty, rpcErr := parseAddress("counterparty", p.Counterparty)
	if rpcErr != nil {
		return nil, rpcErr
	}
	summary, ok, err := m.backend.PairSummary(network, account, counterparty)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}
	result["counterparty"] = counterparty
	result["exists"] = ok
	result["summary"] = summary
	return result, nil
}

func (m *methods) networks(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	return map[string]interface{}{
		"networks": m.backend.Networks(),
	}, nil
}

type accountParams struct {
	Account string `json:"account"`
}

func (m *methods) networksOfUser(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p accountParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	account, rpcErr := parseAddress("account", p.Account)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]interface{}{
		"account":  account,
		"networks": m.backend.NetworksOfUser(account),
	}, nil
}

type syncStatusParams struct {
	Network string `json:"network,omitempty"`
}

func (m *methods) syncStatus(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p syncStatusParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	statuses := m.backend.Status()
	if p.Network != "" {
		network, rpcErr := parseAddress("network", p.Network)
		if rpcErr != nil {
			return nil, rpcErr
		}
		var found []relay.EngineStatus
		for _, s := range statuses {
			if s.Network == network {
				found = append(found, s)
			}
		}
		if len(found) == 0 {
			return nil, RpcErrorFrom(fmt.Errorf("%w: %s", relay.ErrUnknownNetwork, network.Hex()))
		}
		statuses = found
	}
	return map[string]interface{}{
		"healthy":  m.backend.Healthy(),
		"networks": statuses,
	}, nil
}

type eventsParams struct {
	Network   string `json:"network,omitempty"`
	Account   string `json:"account,omitempty"`
	Type      string `json:"type,omitempty"`
	FromBlock uint64 `json:"from_block,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (p eventsParams) query() (relay.EventQuery, *RpcError) {
	q := relay.EventQuery{FromBlock: p.FromBlock, Limit: p.Limit}
	if p.Type != "" {
		kind, err := events.ParseKind(p.Type)
		if err != nil {
			return q, RpcErrorInvalidParams(err.Error())
		}
		q.Kind = kind
	}
	return q, nil
}

// eventResult is one past event. Status is "confirmed" once the event's
// block is final, "pending" before.
type eventResult struct {
	Network   common.Address `json:"network"`
	Type      string         `json:"type"`
	Block     uint64         `json:"block"`
	TxIndex   uint           `json:"tx_index"`
	LogIndex  uint           `json:"log_index"`
	BlockHash common.Hash    `json:"block_hash"`
	TxHash    common.Hash    `json:"tx_hash"`
	Status    string         `json:"status"`
	Payload   events.Payload `json:"payload"`
}

func eventsResult(page relay.EventPage) map[string]interface{} {
	out := make([]eventResult, 0, len(page.Events))
	for _, ev := range page.Events {
		status := "pending"
		if ev.Confirmed {
			status = "confirmed"
		}
		out = append(out, eventResult{
			Network:   ev.Network,
			Type:      ev.Kind().String(),
			Block:     ev.ID.Block,
			TxIndex:   ev.ID.TxIndex,
			LogIndex:  ev.ID.LogIndex,
			BlockHash: ev.BlockHash,
			TxHash:    ev.TxHash,
			Status:    status,
			Payload:   ev.Payload,
		})
	}
	return map[string]interface{}{
		"events":    out,
		"head":      page.Head.Number,
		"truncated": page.Truncated,
	}
}

// networkEvents lists the events of one network, optionally only those
// touching account.
func (m *methods) networkEvents(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p eventsParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	network, rpcErr := parseAddress("network", p.Network)
	if rpcErr != nil {
		return nil, rpcErr
	}
	q, rpcErr := p.query()
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Account != "" {
		if q.Account, rpcErr = parseAddress("account", p.Account); rpcErr != nil {
			return nil, rpcErr
		}
	}
	page, err := m.backend.NetworkEvents(ctx.Context, network, q)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}
	result := eventsResult(page)
	result["network"] = network
	return result, nil
}

// userEvents lists the events touching account in every network.
func (m *methods) userEvents(ctx *RpcContext, params json.RawMessage) (interface{}, *RpcError) {
	var p eventsParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	account, rpcErr := parseAddress("account", p.Account)
	if rpcErr != nil {
		return nil, rpcErr
	}
	q, rpcErr := p.query()
	if rpcErr != nil {
		return nil, rpcErr
	}
	page, err := m.backend.UserEvents(ctx.Context, account, q)
	if err != nil {
		return nil, RpcErrorFrom(err)
	}
	result := eventsResult(page)
	result["account"] = account
	return result, nil
}
