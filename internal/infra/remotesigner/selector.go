package remotesigner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// CoinSelector 按链编号做一致性路由，同一条链总是落到同一个目标。
type CoinSelector struct {
	targetIDs []string
}

// NewCoinSelector 构造选择器，目标编号会排序以保证各实例路由一致。
func NewCoinSelector(targetIDs []string) (*CoinSelector, error) {
	if len(targetIDs) == 0 {
		return nil, errors.New("at least one remote signer target is required")
	}
	ids := make([]string, len(targetIDs))
	copy(ids, targetIDs)
	sort.Strings(ids)
	return &CoinSelector{targetIDs: ids}, nil
}

// Select 返回链对应的目标编号。
func (s *CoinSelector) Select(coin uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], coin)
	h := fnv.New32a()
	_, _ = h.Write(buf[:])
	return s.targetIDs[h.Sum32()%uint32(len(s.targetIDs))]
}

// ParseTargets 解析 "id=endpoint,id2=endpoint2" 形式的目标列表。
func ParseTargets(raw string) ([]Target, error) {
	var targets []Target
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, endpoint, found := strings.Cut(part, "=")
		id, endpoint = strings.TrimSpace(id), strings.TrimSpace(endpoint)
		if !found || id == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid remote signer entry: %s", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate remote signer target: %s", id)
		}
		seen[id] = true
		targets = append(targets, Target{ID: id, Endpoint: endpoint})
	}
	if len(targets) == 0 {
		return nil, errors.New("no remote signer targets provided")
	}
	return targets, nil
}

// TargetIDs 提取目标编号。
func TargetIDs(targets []Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	return ids
}
