package requirements

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// WorkerSnapshot is what a worker advertised when it attached.
type WorkerSnapshot struct {
	Name     string
	OS       string
	Arch     string
	Commands map[string]string
}

// Matches reports whether worker satisfies every requirement.
func Matches(required map[string]string, worker WorkerSnapshot) bool {
	return len(DiagnoseUnmetRequirements(required, []WorkerSnapshot{worker})) == 0
}

// DiagnoseUnmetRequirements explains, one reason per requirement, why no
// worker in workers satisfies required. Keys are "os", "arch", "worker" and
// "command.<name>" whose value is a version constraint.
func DiagnoseUnmetRequirements(required map[string]string, workers []WorkerSnapshot) []string {
	if len(required) == 0 {
		return nil
	}
	if len(workers) == 0 {
		return []string{"no workers connected"}
	}

	keys := make([]string, 0, len(required))
	for key := range required {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	reasons := []string{}
	for _, key := range keys {
		value := required[key]
		if strings.HasPrefix(key, "command.") {
			command := strings.TrimPrefix(key, "command.")
			constraint := strings.TrimSpace(value)
			seen := false
			satisfied := false
			for _, w := range workers {
				have := strings.TrimSpace(w.Commands[command])
				if have != "" {
					seen = true
				}
				if VersionConstraintMatch(have, constraint) {
					satisfied = true
					break
				}
			}
			if !satisfied {
				if !seen {
					reasons = append(reasons, "missing command "+command)
				} else {
					reasons = append(reasons, "command "+command+" does not satisfy "+constraint)
				}
			}
			continue
		}

		requiredValue := strings.TrimSpace(value)
		ok := false
		for _, w := range workers {
			var have string
			switch key {
			case "os":
				have = w.OS
			case "arch":
				have = w.Arch
			case "worker":
				have = w.Name
			}
			if strings.EqualFold(strings.TrimSpace(have), requiredValue) {
				ok = true
				break
			}
		}
		if !ok {
			reasons = append(reasons, fmt.Sprintf("no worker with %s=%s", key, requiredValue))
		}
	}
	return reasons
}

// VersionConstraintMatch checks have against a constraint such as ">=1.1.0",
// "=2", "*" or a literal value.
func VersionConstraintMatch(have, constraint string) bool {
	have = strings.TrimSpace(have)
	constraint = strings.TrimSpace(constraint)
	if have == "" {
		return false
	}
	if constraint == "" || constraint == "*" {
		return true
	}

	op := ""
	value := constraint
	for _, candidate := range []string{">=", "<=", ">", "<", "==", "="} {
		if strings.HasPrefix(constraint, candidate) {
			op = candidate
			value = strings.TrimSpace(strings.TrimPrefix(constraint, candidate))
			break
		}
	}
	if value == "" {
		return true
	}
	if op == "" {
		return have == value
	}

	haveSemver, haveOK := normalizeSemver(have)
	wantSemver, wantOK := normalizeSemver(value)
	if !haveOK || !wantOK {
		switch op {
		case "=", "==":
			return have == value
		default:
			return false
		}
	}

	cmp := semver.Compare(haveSemver, wantSemver)
	switch op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "=", "==":
		return cmp == 0
	default:
		return false
	}
}

// VersionOlderThan reports whether have is a valid version strictly older than
// want. Unparseable versions are treated as old.
func VersionOlderThan(have, want string) bool {
	h, ok := normalizeSemver(have)
	if !ok {
		return true
	}
	w, ok := normalizeSemver(want)
	if !ok {
		return false
	}
	return semver.Compare(h, w) < 0
}

func normalizeSemver(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
