package spamassassin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Score is the classifier verdict for one message. Known is false when the
// scorer produced no usable answer.
type Score struct {
	Value    float64
	Required float64
	Known    bool
}

// Unknown is the verdict used for unparsable or degenerate scorer output.
func Unknown() Score {
	return Score{}
}

func (s Score) String() string {
	if !s.Known {
		return "unknown"
	}
	return fmt.Sprintf("%.1f/%.1f", s.Value, s.Required)
}

var scorePattern = regexp.MustCompile(`(-?[0-9]+(?:\.[0-9]+)?)/(-?[0-9]+(?:\.[0-9]+)?)\s*$`)

// ParseScore extracts the trailing "<score>/<threshold>" pair from spamc
// output. A 0/0 answer is what spamc prints when spamd could not be reached,
// so it is reported as unknown rather than as a genuine zero.
func ParseScore(output string) Score {
	matches := scorePattern.FindStringSubmatch(strings.TrimSpace(output))
	if matches == nil {
		return Unknown()
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return Unknown()
	}
	required, err := strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return Unknown()
	}

	if value == 0 && required == 0 {
		return Unknown()
	}

	return Score{Value: value, Required: required, Known: true}
}
