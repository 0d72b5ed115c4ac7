// Package identity resolves the canonical asset identity of a message.
//
// Resolution walks a fixed precedence list and records which tier produced
// the primary id. The partition and singleton tiers are correlation
// heuristics for feeds that omit identity; they are reported separately so
// operators can see how often they fire.
package identity

import (
	"strings"

	"github.com/valyala/fastjson"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/payload"
	"fleet-monitor/aggregator/internal/schema"
)

type Tier int

const (
	TierUnresolved Tier = iota
	TierEnvelope
	TierFlat
	TierBackfill
	TierKey
	TierHeader
	TierPartition
	TierSingleton
)

var tierNames = map[Tier]string{
	TierUnresolved: "unresolved",
	TierEnvelope:   "envelope",
	TierFlat:       "flat",
	TierBackfill:   "backfill",
	TierKey:        "key",
	TierHeader:     "header",
	TierPartition:  "partition",
	TierSingleton:  "singleton",
}

func (t Tier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return "unresolved"
}

// Heuristic reports whether the tier guesses identity from context instead
// of reading it from the message.
func (t Tier) Heuristic() bool {
	return t == TierPartition || t == TierSingleton
}

var (
	EnvelopeIDKeys = []string{"id", "assetId", "vehicleId"}
	FlatIDKeys     = []string{"assetId", "asset_id", "vehicleId", "vehicle_id", "unitId"}
	VINKeys        = []string{"vin"}
	SerialKeys     = []string{"serial", "serialNumber"}
)

// Resolution is either resolved (Tier != TierUnresolved) with a non-empty
// primary id, or unresolved with an empty identity. VINFallback is set when
// neither the payload nor the headers carried a VIN and Identity.VIN is the
// primary id standing in for it.
type Resolution struct {
	Identity    domain.Identity
	Tier        Tier
	VINFallback bool
}

func (r Resolution) Resolved() bool {
	return r.Tier != TierUnresolved && r.Identity.PrimaryID != ""
}

// Transport is the broker metadata consulted by the key, header and
// partition tiers. Fault feeds key their records by fault, not by asset, so
// the key tier is skipped when FaultPath is set.
type Transport struct {
	Partition int
	Key       string
	Headers   map[string]string
	FaultPath bool
}

// AssetIndex reports the id of the only tracked asset, if exactly one exists.
type AssetIndex interface {
	Sole() (string, bool)
}

type Options struct {
	IDHeader     string
	VINHeader    string
	SerialHeader string
}

// Resolver is not safe for concurrent use; callers serialise access.
type Resolver struct {
	opts       Options
	assets     AssetIndex
	partitions map[int]string
}

func NewResolver(opts Options, assets AssetIndex) *Resolver {
	return &Resolver{
		opts:       opts,
		assets:     assets,
		partitions: make(map[int]string),
	}
}

// Resolve derives the identity of a decoded payload.
func (r *Resolver) Resolve(root *fastjson.Value, tr Transport) Resolution {
	env := schema.Envelope(root)

	var id domain.Identity
	var tier Tier

	if v, ok := payload.String(env, EnvelopeIDKeys...); ok {
		id.PrimaryID, tier = v, TierEnvelope
	} else if v, ok := payload.String(root, FlatIDKeys...); ok {
		id.PrimaryID, tier = v, TierFlat
	}

	payloadVIN := firstString(env, root, VINKeys)
	payloadSerial := firstString(env, root, SerialKeys)
	id.VIN = firstNonEmpty(payloadVIN, header(tr.Headers, r.opts.VINHeader))
	id.Serial = firstNonEmpty(payloadSerial, header(tr.Headers, r.opts.SerialHeader))

	if tier == TierUnresolved {
		id.PrimaryID, tier = r.fallback(tr, firstNonEmpty(payloadVIN, payloadSerial))
	}
	if tier == TierUnresolved {
		return Resolution{}
	}

	res := Resolution{Identity: id, Tier: tier}
	if id.VIN == "" {
		res.Identity.VIN = id.PrimaryID
		res.VINFallback = true
	}
	return res
}

func (r *Resolver) fallback(tr Transport, backfill string) (string, Tier) {
	if backfill != "" {
		return backfill, TierBackfill
	}
	if k := strings.TrimSpace(tr.Key); k != "" && !tr.FaultPath {
		return k, TierKey
	}
	if h := header(tr.Headers, r.opts.IDHeader); h != "" {
		return h, TierHeader
	}
	if last, ok := r.partitions[tr.Partition]; ok {
		return last, TierPartition
	}
	if r.assets != nil {
		if sole, ok := r.assets.Sole(); ok {
			return sole, TierSingleton
		}
	}
	return "", TierUnresolved
}

// Observe records id as the last identity seen on partition. Only location
// messages call it; faults on the same partition are attributed to it until
// the next location arrives.
func (r *Resolver) Observe(partition int, id string) {
	if id == "" {
		return
	}
	r.partitions[partition] = id
}

// Partitions returns a copy of the partition cache.
func (r *Resolver) Partitions() map[int]string {
	out := make(map[int]string, len(r.partitions))
	for p, id := range r.partitions {
		out[p] = id
	}
	return out
}

func firstString(env, root *fastjson.Value, keys []string) string {
	if v, ok := payload.String(env, keys...); ok {
		return v
	}
	v, _ := payload.String(root, keys...)
	return v
}

func header(headers map[string]string, name string) string {
	if name == "" {
		return ""
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
