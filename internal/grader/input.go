package grader

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numsRe   = regexp.MustCompile(`nums\s*=\s*\[(.*?)\]`)
	targetRe = regexp.MustCompile(`target\s*=\s*(-?\d+)`)
)

// NormalizeInput rewrites `nums = [2,7,11,15], target = 9` into the
// stdin layout `4\n2 7 11 15\n9`. Any other input is returned unchanged.
func NormalizeInput(input string) string {
	nm := numsRe.FindStringSubmatch(input)
	tm := targetRe.FindStringSubmatch(input)
	if nm == nil || tm == nil {
		return input
	}

	var nums []string
	if body := strings.TrimSpace(nm[1]); body != "" {
		for _, part := range strings.Split(body, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return input
			}
			nums = append(nums, strconv.Itoa(n))
		}
	}
	return strconv.Itoa(len(nums)) + "\n" + strings.Join(nums, " ") + "\n" + tm[1]
}
