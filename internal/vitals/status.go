package vitals

import (
	"fmt"
	"strings"
)

// AlertStatus is the closed set of alert lifecycle states.
type AlertStatus int

const (
	AlertActive AlertStatus = iota + 1
	AlertResolved
	AlertAutoResolved
	AlertResolvedByRetake
	AlertConfirmedAbnormal
)

var alertStatusNames = map[AlertStatus]string{
	AlertActive:            "ACTIVE",
	AlertResolved:          "RESOLVED",
	AlertAutoResolved:      "AUTO_RESOLVED",
	AlertResolvedByRetake:  "RESOLVED_BY_RETAKE",
	AlertConfirmedAbnormal: "CONFIRMED_ABNORMAL",
}

func (s AlertStatus) String() string {
	if n, ok := alertStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AlertStatus(%d)", int(s))
}

func (s AlertStatus) Valid() bool {
	_, ok := alertStatusNames[s]
	return ok
}

// ParseAlertStatus is the inverse of String. Matching ignores case.
func ParseAlertStatus(raw string) (AlertStatus, error) {
	want := strings.ToUpper(strings.TrimSpace(raw))
	for s, n := range alertStatusNames {
		if n == want {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown alert status %q", raw)
}

func (s AlertStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown alert status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *AlertStatus) UnmarshalText(b []byte) error {
	v, err := ParseAlertStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
