package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
)

// CandidateRoute summarizes an SDP candidate line as "type address:port/network".
func CandidateRoute(candidate string) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:"))
	if raw == "" {
		return "", fmt.Errorf("empty candidate")
	}
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s:%d/%s", c.Type(), c.Address(), c.Port(), c.NetworkType()), nil
}

// IsRelayCandidate reports whether the candidate goes through a TURN relay.
func IsRelayCandidate(candidate string) bool {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:"))
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return false
	}
	return c.Type() == ice.CandidateTypeRelay
}
