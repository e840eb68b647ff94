package policy

import "regexp"

// Write-target patterns: the literal paths code hands to the common write
// APIs. The capture group index varies per pattern.
var writeTargetPatterns = []struct {
	re    *regexp.Regexp
	group int
}{
	{regexp.MustCompile(`\.to_(excel|csv|json|parquet)\(\s*['"]([^'"]+)['"]`), 2},
	{regexp.MustCompile(`\.save\(\s*['"]([^'"]+)['"]`), 1},
	{regexp.MustCompile(`\bopen\(\s*['"]([^'"]+)['"]\s*,\s*['"][waxr]?\+?[wax]`), 1},
	{regexp.MustCompile(`\.write_(excel|csv)\(\s*['"]([^'"]+)['"]`), 2},
}

// ExtractWriteTargets returns the literal file paths the code appears to
// write. Only string literals are found; dynamic paths surface later through
// the copy-on-write log instead. Order follows first appearance, duplicates
// dropped.
func ExtractWriteTargets(code string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range writeTargetPatterns {
		for _, m := range p.re.FindAllStringSubmatch(code, -1) {
			target := m[p.group]
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, target)
		}
	}
	return out
}
