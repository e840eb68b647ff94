// Package policy decides what model-generated code is allowed to do. Code
// is scanned for capability markers, bucketed into a risk tier, and where
// the risk comes from recoverable patterns (exit calls) a sanitizer rewrites
// the code so it can run safely after all.
package policy

import (
	"regexp"
	"strings"
)

// Capability classifies what a piece of code reaches for.
type Capability string

const (
	CapSafeCompute   Capability = "SAFE_COMPUTE"
	CapSafeIO        Capability = "SAFE_IO"
	CapNetwork       Capability = "NETWORK"
	CapSubprocess    Capability = "SUBPROCESS"
	CapDynamicExec   Capability = "DYNAMIC_EXEC"
	CapSystemControl Capability = "SYSTEM_CONTROL"
	CapObfuscation   Capability = "OBFUSCATION"
)

// Tier is the execution decision bucket.
type Tier string

const (
	// TierGreen runs without approval.
	TierGreen Tier = "GREEN"
	// TierYellow needs user approval before running.
	TierYellow Tier = "YELLOW"
	// TierRed is refused unless sanitization brings it down.
	TierRed Tier = "RED"
)

// Finding is one capability marker located in the code.
type Finding struct {
	Capability  Capability `json:"capability"`
	Pattern     string     `json:"pattern"`
	Line        int        `json:"line"`
	Sanitizable bool       `json:"sanitizable,omitempty"`
}

// Report is the analyzer's verdict for one code block.
type Report struct {
	Tier     Tier      `json:"tier"`
	Findings []Finding `json:"findings,omitempty"`
}

// Sanitizable reports whether every escalating finding can be rewritten
// away, meaning a sanitize-and-retry pass is worth attempting.
func (r *Report) Sanitizable() bool {
	if r.Tier == TierGreen {
		return false
	}
	any := false
	for _, f := range r.Findings {
		if f.Capability == CapSafeCompute || f.Capability == CapSafeIO {
			continue
		}
		if !f.Sanitizable {
			return false
		}
		any = true
	}
	return any
}

type rule struct {
	capability  Capability
	pattern     *regexp.Regexp
	label       string
	sanitizable bool
}

var rules = []rule{
	// Yellow: legitimate but needs a human.
	{CapNetwork, regexp.MustCompile(`\b(requests|httpx|aiohttp)\s*\.`), "http client", false},
	{CapNetwork, regexp.MustCompile(`\b(urllib|socket|ftplib|smtplib|http\.client)\b`), "network module", false},
	{CapNetwork, regexp.MustCompile(`^\s*(import|from)\s+(requests|httpx|aiohttp)\b`), "network import", false},

	// Red: refused outright unless sanitizable.
	{CapSubprocess, regexp.MustCompile(`\bsubprocess\b|\bos\.system\s*\(|\bos\.popen\s*\(|\bPopen\s*\(`), "subprocess", false},
	{CapDynamicExec, regexp.MustCompile(`\beval\s*\(|\bexec\s*\(|\bcompile\s*\(|__import__\s*\(`), "dynamic execution", false},
	{CapSystemControl, regexp.MustCompile(`\bsys\.exit\s*\(|\bos\._exit\s*\(`), "interpreter exit", true},
	{CapSystemControl, regexp.MustCompile(`^\s*(exit|quit)\s*\(`), "interpreter exit", true},
	{CapSystemControl, regexp.MustCompile(`\bos\.kill\s*\(|\bos\.abort\s*\(|\bsignal\.\w+\s*\(`), "process control", false},
	{CapObfuscation, regexp.MustCompile(`\bbase64\.b(16|32|64|85)decode\s*\(`), "encoded payload", false},
	{CapObfuscation, regexp.MustCompile(`\bcodecs\.decode\s*\(|\bbytes\.fromhex\s*\(`), "encoded payload", false},
	{CapObfuscation, regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`), "hex escape blob", false},
}

var tierByCapability = map[Capability]Tier{
	CapSafeCompute:   TierGreen,
	CapSafeIO:        TierGreen,
	CapNetwork:       TierYellow,
	CapSubprocess:    TierRed,
	CapDynamicExec:   TierRed,
	CapSystemControl: TierRed,
	CapObfuscation:   TierRed,
}

// Analyze scans code line by line and returns its risk tier. Comment lines
// do not count; strings do, since a payload hidden in a string is exactly
// what the obfuscation rules exist for.
func Analyze(code string) *Report {
	report := &Report{Tier: TierGreen}

	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, r := range rules {
			if !r.pattern.MatchString(line) {
				continue
			}
			report.Findings = append(report.Findings, Finding{
				Capability:  r.capability,
				Pattern:     r.label,
				Line:        i + 1,
				Sanitizable: r.sanitizable,
			})
		}
	}

	for _, f := range report.Findings {
		if tier := tierByCapability[f.Capability]; tierRank(tier) > tierRank(report.Tier) {
			report.Tier = tier
		}
	}
	return report
}

func tierRank(t Tier) int {
	switch t {
	case TierYellow:
		return 1
	case TierRed:
		return 2
	default:
		return 0
	}
}
