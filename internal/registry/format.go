package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

var rule = strings.Repeat("-", 60)

// FormatText renders CIs grouped by type for terminal display.
func FormatText(cis []CI) string {
	if len(cis) == 0 {
		return "No CIs found"
	}

	byType := map[string][]CI{}
	for _, ci := range cis {
		byType[ci.Type] = append(byType[ci.Type], ci)
	}

	var b strings.Builder
	section := func(title string, list []CI, detail func(CI) string, withDesc bool) {
		if len(list) == 0 {
			return
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		b.WriteString(title + "\n")
		b.WriteString(rule + "\n")
		for _, ci := range list {
			fmt.Fprintf(&b, "  %-15s (%s)%s\n", ci.Name, detail(ci), forwardSuffix(ci))
			if withDesc && ci.Description != "" {
				fmt.Fprintf(&b, "    %s\n", ci.Description)
			}
		}
		b.WriteString("\n")
	}

	section("Greek Chorus AIs:", byType[TypeGreek], func(ci CI) string {
		_, port := hostPort(ci.Endpoint)
		if port == 0 {
			return "port unknown"
		}
		return fmt.Sprintf("port %d", port)
	}, true)
	section("Active Terminals:", byType[TypeTerminal], func(ci CI) string {
		if ci.PID == 0 {
			return "pid unknown"
		}
		return fmt.Sprintf("pid %d", ci.PID)
	}, false)
	section("Project CIs:", byType[TypeProject], func(ci CI) string {
		p := ci.Project
		if p == "" {
			p = "unknown"
		}
		return "project: " + p
	}, false)

	return strings.TrimSuffix(b.String(), "\n")
}

func forwardSuffix(ci CI) string {
	var s string
	if ci.ForwardTo != "" {
		s = " → " + ci.ForwardTo
	}
	if ci.ForwardJSON {
		s += " [JSON]"
	}
	return s
}

// JSON renders CIs as an indented JSON array.
func JSON(cis []CI) (string, error) {
	if cis == nil {
		cis = []CI{}
	}
	data, err := json.MarshalIndent(cis, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
