// Alert severity levels and parsing
package alerting

import (
	"encoding/json"
	"fmt"
)

// Severity orders alert levels from Normal (no alert) to Critical.
type Severity int

const (
	Normal Severity = iota
	Caution
	Warning
	Critical
)

var severityNames = map[Severity]string{
	Normal:   "normal",
	Caution:  "caution",
	Warning:  "warning",
	Critical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return Normal, fmt.Errorf("unknown severity %q", s)
}

// MarshalJSON encodes the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	sev, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
