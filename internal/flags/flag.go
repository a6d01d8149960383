// Package flags evaluates feature flags from a local mirror of the flag
// records kept in the cache.
package flags

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

const keyPrefix = "feature:"

type StrategyType string

const (
	UserIDList     StrategyType = "user_id_list"
	GradualRollout StrategyType = "gradual_rollout"
	IPRange        StrategyType = "ip_range"
	Custom         StrategyType = "custom"
)

var (
	ErrInvalidFlag = errors.New("invalid flag")
	ErrStore       = errors.New("flag store unavailable")
)

// Strategy is a tagged variant; only the fields of its Type are read.
type Strategy struct {
	Type       StrategyType `json:"type"`
	UserIDs    []string     `json:"user_ids,omitempty"`
	Percentage int          `json:"percentage,omitempty"`
	Ranges     []string     `json:"ranges,omitempty"`
	Predicate  string       `json:"predicate,omitempty"`
}

type Flag struct {
	Name       string     `json:"name"`
	Enabled    bool       `json:"enabled"`
	Strategies []Strategy `json:"strategies"`
}

type EvalContext struct {
	UserID string
	IP     string
	Role   string
}

func flagKey(name string) string { return keyPrefix + name }

func encodeFlag(f Flag) (map[string]string, error) {
	strategies := f.Strategies
	if strategies == nil {
		strategies = []Strategy{}
	}
	raw, err := json.Marshal(strategies)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"enabled":    strconv.FormatBool(f.Enabled),
		"strategies": string(raw),
	}, nil
}

func decodeFlag(name string, fields map[string]string) (Flag, error) {
	f := Flag{Name: name}

	enabled, err := strconv.ParseBool(fields["enabled"])
	if err != nil {
		return f, fmt.Errorf("%w: %s: enabled %q", ErrInvalidFlag, name, fields["enabled"])
	}
	f.Enabled = enabled

	if raw := strings.TrimSpace(fields["strategies"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Strategies); err != nil {
			return f, fmt.Errorf("%w: %s: strategies: %v", ErrInvalidFlag, name, err)
		}
	}
	return f, nil
}

// rolloutBucket maps a user id to [0,100). The mapping depends only on the
// id, so a user stays on the same side of a given percentage.
func rolloutBucket(userID string) uint32 {
	sum := blake3.Sum256([]byte(userID))
	return binary.BigEndian.Uint32(sum[:4]) % 100
}

func matchIP(ranges []string, ip string) (bool, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()

	for _, r := range ranges {
		if strings.Contains(r, "/") {
			p, err := netip.ParsePrefix(r)
			if err != nil {
				return false, fmt.Errorf("%w: range %q", ErrInvalidFlag, r)
			}
			if p.Contains(addr) {
				return true, nil
			}
			continue
		}
		a, err := netip.ParseAddr(r)
		if err != nil {
			return false, fmt.Errorf("%w: address %q", ErrInvalidFlag, r)
		}
		if a.Unmap() == addr {
			return true, nil
		}
	}
	return false, nil
}

func (s Strategy) validate(predicates map[string]Predicate) error {
	switch s.Type {
	case UserIDList:
		return nil
	case GradualRollout:
		if s.Percentage < 0 || s.Percentage > 100 {
			return fmt.Errorf("%w: percentage %d outside 0..100", ErrInvalidFlag, s.Percentage)
		}
	case IPRange:
		for _, r := range s.Ranges {
			if _, err := matchIP([]string{r}, "0.0.0.0"); err != nil {
				return err
			}
		}
	case Custom:
		if _, ok := predicates[s.Predicate]; !ok {
			return fmt.Errorf("%w: unknown predicate %q", ErrInvalidFlag, s.Predicate)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidFlag, s.Type)
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "*?[] ") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidFlag, name)
	}
	return nil
}

func sortedByName(m map[string]Flag) []Flag {
	out := make([]Flag, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Flag) int { return strings.Compare(a.Name, b.Name) })
	return out
}
