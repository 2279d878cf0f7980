package matching

import (
	"net/url"
	"strings"

	"github.com/WayB98/TIWatcher/internal/domain/models"
)

// IndicatorSnapshot is an immutable view of the enabled indicators taken once
// per batch. IP values are keyed verbatim, domains lower-cased.
type IndicatorSnapshot struct {
	ips     map[string]models.Indicator
	domains map[string]models.Indicator
}

// NewIndicatorSnapshot indexes indicators by kind. Disabled indicators and
// unknown kinds are left out. On duplicate values the first one wins.
func NewIndicatorSnapshot(indicators []models.Indicator) *IndicatorSnapshot {
	s := &IndicatorSnapshot{
		ips:     make(map[string]models.Indicator),
		domains: make(map[string]models.Indicator),
	}
	for _, ind := range indicators {
		if !ind.Enabled {
			continue
		}
		switch ind.Kind {
		case models.KindIP:
			if _, ok := s.ips[ind.Value]; !ok {
				s.ips[ind.Value] = ind
			}
		case models.KindDomain:
			key := strings.ToLower(ind.Value)
			if _, ok := s.domains[key]; !ok {
				s.domains[key] = ind
			}
		}
	}
	return s
}

// Len is the number of indexed indicators.
func (s *IndicatorSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ips) + len(s.domains)
}

// Match finds the indicator that remote hits. An exact IP hit is tried
// first, then the host part of remote against the domain set.
func Match(remote string, snap *IndicatorSnapshot) (models.Indicator, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" || snap == nil {
		return models.Indicator{}, false
	}

	if ind, ok := snap.ips[remote]; ok {
		return ind, true
	}

	host := hostOf(remote)
	if ind, ok := snap.domains[strings.ToLower(host)]; ok {
		return ind, true
	}
	return models.Indicator{}, false
}

// hostOf reads remote as the authority of a scheme-less URL, so ports,
// userinfo and brackets are stripped. Anything unparsable is used as is.
func hostOf(remote string) string {
	u, err := url.Parse("//" + remote)
	if err != nil || u.Hostname() == "" {
		return remote
	}
	return u.Hostname()
}
