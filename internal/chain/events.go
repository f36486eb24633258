// Package chain describes the contract events the keeper listens to and the log shapes
// delivered by the upstream feed.
package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Event names known to the keeper.
const (
	EventBattleStarted  = "BattleStarted"
	EventTurnCommitted  = "TurnCommitted"
	EventTurnRevealed   = "TurnRevealed"
	EventBattleEnded    = "BattleEnded"
	EventPartyCreated   = "PartyCreated"
	EventPartyMoved     = "PartyMoved"
	EventCombatResolved = "CombatResolved"
	EventPartyExited    = "PartyExited"
)

// Descriptor is the static description of one contract event.
type Descriptor struct {
	Name      string
	Signature string
	// Topic is keccak256(Signature), the value of topics[0] in matching logs.
	Topic string
	// EntityTopic is the index into Log.Topics holding the indexed entity id, or 0 when the
	// event does not carry one.
	EntityTopic int
}

// NewDescriptor builds a descriptor and computes its topic hash.
func NewDescriptor(signature string, entityTopic int) Descriptor {
	name := signature
	if i := strings.IndexByte(signature, '('); i > 0 {
		name = signature[:i]
	}
	return Descriptor{
		Name:        name,
		Signature:   signature,
		Topic:       Keccak256Hex([]byte(signature)),
		EntityTopic: entityTopic,
	}
}

// Keccak256Hex returns the 0x-prefixed legacy keccak256 digest of data.
func Keccak256Hex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// DefaultDescriptors lists the battle and dungeon contract events.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		NewDescriptor("BattleStarted(uint256,address,address)", 1),
		NewDescriptor("TurnCommitted(uint256,address,uint256)", 1),
		NewDescriptor("TurnRevealed(uint256,address,uint256)", 1),
		NewDescriptor("BattleEnded(uint256,address)", 1),
		NewDescriptor("PartyCreated(uint256,address)", 1),
		NewDescriptor("PartyMoved(uint256,uint256)", 1),
		NewDescriptor("CombatResolved(uint256,uint256,bool)", 1),
		NewDescriptor("PartyExited(uint256)", 1),
	}
}

// Registry maps event names to descriptors. It is built once at startup and read-only
// afterwards.
type Registry struct {
	byName map[string]Descriptor
}

// NewRegistry indexes the given descriptors. Duplicate names or topics are rejected.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descs))}
	topics := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if d.Name == "" || d.Topic == "" {
			return nil, fmt.Errorf("descriptor %q is incomplete", d.Signature)
		}
		if _, exists := r.byName[d.Name]; exists {
			return nil, fmt.Errorf("duplicate event name %q", d.Name)
		}
		topic := strings.ToLower(d.Topic)
		if _, exists := topics[topic]; exists {
			return nil, fmt.Errorf("duplicate event topic %s", d.Topic)
		}
		r.byName[d.Name] = d
		topics[topic] = struct{}{}
	}
	return r, nil
}

// MustDefaultRegistry returns a registry of DefaultDescriptors.
func MustDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDescriptors()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Log is one contract log as delivered by the upstream feed.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Removed     bool
}

// EntityID decodes the indexed uint256 entity id carried by the log, as a decimal string.
func (l Log) EntityID(desc Descriptor) (string, error) {
	if desc.EntityTopic <= 0 {
		return "", fmt.Errorf("event %s has no entity topic", desc.Name)
	}
	if desc.EntityTopic >= len(l.Topics) {
		return "", fmt.Errorf("event %s log has %d topics, entity topic is %d", desc.Name, len(l.Topics), desc.EntityTopic)
	}
	return HexToDecimal(l.Topics[desc.EntityTopic])
}

// Batch is a group of logs for one event.
type Batch struct {
	EventName string
	Logs      []Log
}

// HexToDecimal converts a 0x-prefixed big-endian quantity to its decimal representation.
func HexToDecimal(value string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if raw == "" {
		return "", fmt.Errorf("empty hex quantity")
	}
	n, ok := new(big.Int).SetString(raw, 16)
	if !ok {
		return "", fmt.Errorf("invalid hex quantity %q", value)
	}
	return n.String(), nil
}

// DecimalToTopic encodes a decimal uint256 as a 32-byte topic.
func DecimalToTopic(value string) (string, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("invalid uint256 %q", value)
	}
	if n.BitLen() > 256 {
		return "", fmt.Errorf("value %q overflows uint256", value)
	}
	return fmt.Sprintf("0x%064x", n), nil
}

// NormalizeAddress lower-cases a 0x-prefixed 20-byte hex address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(a, "0x") || len(a) != 42 {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	if _, err := hex.DecodeString(a[2:]); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return a, nil
}
