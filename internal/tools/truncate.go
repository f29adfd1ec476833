package tools

import "fmt"

// Per-tool output character caps. Output beyond the cap is cut from the
// middle so the model keeps both the head and the tail.
var toolCharLimits = map[string]int{
	"read_file": 50000,
	"exec":      30000,
	"list_dir":  20000,
}

const defaultCharLimit = 20000

// truncateOutput applies the tool's character cap, keeping head and tail.
func truncateOutput(tool, output string) (string, bool) {
	limit, ok := toolCharLimits[tool]
	if !ok {
		limit = defaultCharLimit
	}
	if len(output) <= limit {
		return output, false
	}
	half := limit / 2
	removed := len(output) - limit
	return output[:half] +
		fmt.Sprintf("\n[... %d characters truncated ...]\n", removed) +
		output[len(output)-half:], true
}
