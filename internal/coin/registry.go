package coin

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownCoin 表示查询的链未注册。
var ErrUnknownCoin = errors.New("unknown coin")

//go:embed coins.yaml
var embeddedTable []byte

type tableFile struct {
	Coins []tableEntry `yaml:"coins"`
}

type tableEntry struct {
	Type          uint32   `yaml:"type"`
	Name          string   `yaml:"name"`
	Symbol        string   `yaml:"symbol"`
	Decimals      int32    `yaml:"decimals"`
	Curve         string   `yaml:"curve"`
	Family        string   `yaml:"family"`
	Capabilities  []string `yaml:"capabilities"`
	DustThreshold int64    `yaml:"dust"`
}

// Registry 是只读的链描述表，构建后可并发访问。
type Registry struct {
	byType map[Type]Descriptor
	sorted []Descriptor
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default 返回内置链表构建的注册表，只解析一次。
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(bytes.NewReader(embeddedTable))
	})
	return defaultRegistry, defaultErr
}

// Load 从 YAML 读取链表并构建注册表。
func Load(r io.Reader) (*Registry, error) {
	var file tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode coin table: %w", err)
	}
	descriptors := make([]Descriptor, 0, len(file.Coins))
	for _, entry := range file.Coins {
		desc, err := entry.descriptor()
		if err != nil {
			return nil, fmt.Errorf("coin %d: %w", entry.Type, err)
		}
		descriptors = append(descriptors, desc)
	}
	return NewRegistry(descriptors...)
}

// NewRegistry 使用给定描述构建注册表，重复编号视为错误。
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	reg := &Registry{byType: make(map[Type]Descriptor, len(descriptors))}
	for _, desc := range descriptors {
		if _, exists := reg.byType[desc.Type]; exists {
			return nil, fmt.Errorf("duplicate coin type %d", desc.Type)
		}
		if desc.Capabilities.Has(CapabilityPlan) && desc.Family != FamilyUTXO {
			return nil, fmt.Errorf("coin %d: plan capability requires utxo family", desc.Type)
		}
		if desc.DustThreshold < 0 {
			return nil, fmt.Errorf("coin %d: negative dust threshold", desc.Type)
		}
		reg.byType[desc.Type] = desc
		reg.sorted = append(reg.sorted, desc)
	}
	sort.Slice(reg.sorted, func(i, j int) bool { return reg.sorted[i].Type < reg.sorted[j].Type })
	return reg, nil
}

// Lookup 返回链描述，未注册时返回包装 ErrUnknownCoin 的错误。
func (r *Registry) Lookup(t Type) (Descriptor, error) {
	desc, ok := r.byType[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("coin %d: %w", t, ErrUnknownCoin)
	}
	return desc, nil
}

// Contains 判断链是否已注册。
func (r *Registry) Contains(t Type) bool {
	_, ok := r.byType[t]
	return ok
}

// All 按编号升序返回全部描述的副本。
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Len 返回注册的链数量。
func (r *Registry) Len() int {
	return len(r.sorted)
}

func (e tableEntry) descriptor() (Descriptor, error) {
	if e.Name == "" {
		return Descriptor{}, errors.New("name is required")
	}
	curve, err := ParseCurve(e.Curve)
	if err != nil {
		return Descriptor{}, err
	}
	family, err := ParseFamily(e.Family)
	if err != nil {
		return Descriptor{}, err
	}
	caps, err := ParseCapabilities(e.Capabilities)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Type:          Type(e.Type),
		Name:          e.Name,
		Symbol:        e.Symbol,
		Decimals:      e.Decimals,
		Curve:         curve,
		Family:        family,
		Capabilities:  caps,
		DustThreshold: e.DustThreshold,
	}, nil
}
