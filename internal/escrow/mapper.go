package escrow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"escrowhub/internal/units"
)

// RawEscrow is the getEscrow output schema. Every field is kept raw and
// parsed on its own in Map, so a missing or mistyped field degrades that field
// only. Legacy names from earlier contract versions are accepted as fallbacks.
type RawEscrow struct {
	Creator          json.RawMessage `json:"creator"`
	Counterparty     json.RawMessage `json:"counterparty"`
	CounterpartyType json.RawMessage `json:"counterpartyType"`
	Title            json.RawMessage `json:"title"`
	Description      json.RawMessage `json:"description"`
	Amount           json.RawMessage `json:"amount"`
	Status           json.RawMessage `json:"status"`
	CreatedAt        json.RawMessage `json:"createdAt"`
	Milestones       json.RawMessage `json:"milestones"`

	// v0 layout: client funded the escrow for a provider/worker.
	Client      json.RawMessage `json:"client"`
	Provider    json.RawMessage `json:"provider"`
	Worker      json.RawMessage `json:"worker"`
	TotalAmount json.RawMessage `json:"totalAmount"`
}

type RawMilestone struct {
	ID          json.RawMessage `json:"id"`
	Description json.RawMessage `json:"description"`
	Amount      json.RawMessage `json:"amount"`
	Status      json.RawMessage `json:"status"`
	Deadline    json.RawMessage `json:"deadline"`
}

// DecodeRawEscrow parses query output into a RawEscrow. A JSON null decodes
// to (nil, nil), meaning the contract returned no escrow for the id. Only
// output that is not a JSON object is an error.
func DecodeRawEscrow(data []byte) (*RawEscrow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var raw RawEscrow
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode escrow: %w", err)
	}
	return &raw, nil
}

// Mapper normalizes raw contract output into the Escrow model.
type Mapper struct {
	Units units.Converter
	Now   func() time.Time
}

func NewMapper(conv units.Converter) Mapper {
	return Mapper{Units: conv, Now: time.Now}
}

// Map never fails: each missing or unreadable field gets a default and its
// name is appended to DegradedFields.
func (m Mapper) Map(raw *RawEscrow, id string) Escrow {
	if raw == nil {
		raw = &RawEscrow{}
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	out := Escrow{ID: id, Milestones: []Milestone{}}
	degrade := func(field string) { out.DegradedFields = append(out.DegradedFields, field) }

	out.Creator = firstString(raw.Creator, raw.Client)
	if out.Creator == "" {
		degrade("creator")
	}
	out.CounterpartyAddress = firstString(raw.Counterparty, raw.Provider, raw.Worker)
	if out.CounterpartyAddress == "" {
		degrade("counterpartyAddress")
	}
	out.CounterpartyType = firstString(raw.CounterpartyType)
	if out.CounterpartyType == "" {
		degrade("counterpartyType")
	}
	var ok bool
	if out.Title, ok = parseString(raw.Title); !ok {
		degrade("title")
	}
	if out.Description, ok = parseString(raw.Description); !ok {
		degrade("description")
	}

	amount, ok := parseUint(raw.Amount)
	if !ok && isAbsent(raw.Amount) {
		amount, ok = parseUint(raw.TotalAmount)
	}
	if !ok {
		degrade("totalAmount")
	}
	out.TotalAmount = m.Units.FromChainUnits(amount)

	if status, ok := decodeStatus(raw.Status); ok {
		out.Status = status
	} else {
		degrade("status")
		out.Status = StatusActive
	}

	if ts, ok := parseMillis(raw.CreatedAt); ok {
		out.CreatedAt = ts
	} else {
		degrade("createdAt")
		out.CreatedAt = now().UnixMilli()
	}

	var items []json.RawMessage
	if isAbsent(raw.Milestones) || json.Unmarshal(raw.Milestones, &items) != nil {
		degrade("milestones")
		return out
	}
	for i, item := range items {
		out.Milestones = append(out.Milestones, m.mapMilestone(item, i, id, degrade))
	}
	return out
}

func (m Mapper) mapMilestone(item json.RawMessage, idx int, escrowID string, degrade func(string)) Milestone {
	field := func(name string) string { return fmt.Sprintf("milestones[%d].%s", idx, name) }

	var rm RawMilestone
	if err := json.Unmarshal(item, &rm); err != nil {
		rm = RawMilestone{}
	}

	ms := Milestone{ID: firstString(rm.ID)}
	if ms.ID == "" {
		degrade(field("id"))
		ms.ID = fmt.Sprintf("milestone-%d-%s", idx+1, escrowID)
	}
	var ok bool
	if ms.Description, ok = parseString(rm.Description); !ok {
		degrade(field("description"))
	}
	if amount, ok := parseUint(rm.Amount); ok {
		ms.Amount = m.Units.FromChainUnits(amount)
	} else {
		degrade(field("amount"))
		ms.Amount = "0"
	}
	if status, ok := decodeMilestoneStatus(rm.Status); ok {
		ms.Status = status
	} else {
		degrade(field("status"))
		ms.Status = MilestonePending
	}
	if ms.Deadline, ok = parseMillis(rm.Deadline); !ok {
		degrade(field("deadline"))
	}
	return ms
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// parseString accepts a JSON string only.
func parseString(raw json.RawMessage) (string, bool) {
	if isAbsent(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func firstString(vals ...json.RawMessage) string {
	for _, v := range vals {
		if s, ok := parseString(v); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// parseUint reads a non-negative integer given as a JSON number, a decimal
// string or a 0x-prefixed hex string. u128 balances commonly arrive as strings.
func parseUint(raw json.RawMessage) (*big.Int, bool) {
	if isAbsent(raw) {
		return nil, false
	}
	text := string(bytes.TrimSpace(raw))
	if text[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, false
		}
		text = strings.TrimSpace(text)
	}
	v := new(big.Int)
	var ok bool
	if hex, found := strings.CutPrefix(strings.ToLower(text), "0x"); found {
		_, ok = v.SetString(hex, 16)
	} else {
		_, ok = v.SetString(text, 10)
	}
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func parseMillis(raw json.RawMessage) (int64, bool) {
	v, ok := parseUint(raw)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}

// enumName extracts the variant from the encodings contracts use for enums:
// an index (3), a name ("Cancelled") or a single-key object ({"Cancelled":null}).
func enumName(raw json.RawMessage) (name string, index int, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", -1, false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", -1, false
		}
		if n, err := strconv.Atoi(s); err == nil {
			return "", n, true
		}
		return s, -1, true
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil || len(obj) != 1 {
			return "", -1, false
		}
		for k := range obj {
			return k, -1, true
		}
	default:
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return "", -1, false
		}
		return "", n, true
	}
	return "", -1, false
}

func decodeStatus(raw json.RawMessage) (Status, bool) {
	name, idx, ok := enumName(raw)
	if !ok {
		return "", false
	}
	if name == "" {
		if idx < 0 || idx >= len(contractStatuses) {
			return "", false
		}
		return contractStatuses[idx], true
	}
	if strings.EqualFold(name, "Canceled") {
		return StatusCancelled, true
	}
	for _, s := range contractStatuses {
		if strings.EqualFold(name, string(s)) {
			return s, true
		}
	}
	return "", false
}

func decodeMilestoneStatus(raw json.RawMessage) (MilestoneStatus, bool) {
	name, idx, ok := enumName(raw)
	if !ok {
		return "", false
	}
	if name == "" {
		if idx < 0 || idx >= len(milestoneStatuses) {
			return "", false
		}
		return milestoneStatuses[idx], true
	}
	for _, s := range milestoneStatuses {
		if strings.EqualFold(name, string(s)) {
			return s, true
		}
	}
	return "", false
}
