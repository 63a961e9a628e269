package transcript

import (
	"regexp"
	"strconv"
	"strings"
)

// diceLine matches "[description | ]NdM: [v, v] = total[ (+ mod = modified)]".
var diceLine = regexp.MustCompile(`(?:(.+?)\s*\|\s*)?(\d+d\d+):\s*\[([^\]]+)\]\s*=\s*(\d+)(?:\s*\(\s*([+-])\s*(\d+)\s*=\s*(\d+)\s*\))?`)

var diceSides = regexp.MustCompile(`d(\d+)`)

// DiceMatch is one roll found in dice script output together with the
// exact text it was parsed from.
type DiceMatch struct {
	Text string
	Roll DiceRoll
}

// ParseDiceOutput extracts every roll reported by the dice script.
// Output that contains no roll yields nil.
func ParseDiceOutput(output string) []DiceRoll {
	matches := FindDice(output)
	if len(matches) == 0 {
		return nil
	}
	rolls := make([]DiceRoll, len(matches))
	for i, m := range matches {
		rolls[i] = m.Roll
	}
	return rolls
}

// FindDice is ParseDiceOutput keeping the matched text of each roll.
func FindDice(output string) []DiceMatch {
	var out []DiceMatch
	for _, sub := range diceLine.FindAllStringSubmatch(output, -1) {
		roll := DiceRoll{
			Label:       sub[2],
			Sides:       6,
			Description: strings.TrimSpace(sub[1]),
		}
		if s := diceSides.FindStringSubmatch(sub[2]); s != nil {
			if n, err := strconv.Atoi(s[1]); err == nil {
				roll.Sides = n
			}
		}
		for _, v := range strings.Split(sub[3], ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				roll.Values = append(roll.Values, n)
			}
		}
		roll.Total, _ = strconv.Atoi(sub[4])
		if sub[5] != "" {
			mod, _ := strconv.Atoi(sub[6])
			if sub[5] == "-" {
				mod = -mod
			}
			modified, _ := strconv.Atoi(sub[7])
			roll.Modifier = &mod
			roll.ModifiedTotal = &modified
		}
		out = append(out, DiceMatch{Text: strings.TrimSpace(sub[0]), Roll: roll})
	}
	return out
}

// IsDiceCommand reports whether a shell command runs the dice script.
func IsDiceCommand(command string) bool {
	return strings.Contains(command, "roll_dice")
}
