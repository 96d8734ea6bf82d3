package capsolver

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteSolution formats a solution for human consumption. It prints the
// token, the user agent, and any cookies (cf_clearance first). Formatting
// only; the writer is the sole side effect.
func WriteSolution(w io.Writer, sol *Solution) {
	if sol == nil {
		fmt.Fprintln(w, "no solution")
		return
	}

	if sol.Token != "" {
		fmt.Fprintf(w, "Token: %s\n", sol.Token)
	}
	if sol.UserAgent != "" {
		fmt.Fprintf(w, "User-Agent: %s\n", sol.UserAgent)
	}
	if len(sol.Cookies) > 0 {
		fmt.Fprintln(w, "Cookies:")
		for _, name := range sortedCookieNames(sol.Cookies) {
			fmt.Fprintf(w, "  %s: %s\n", name, sol.Cookies[name])
		}
	}
}

// FormatSolution returns the human-readable form of a solution as a string.
func FormatSolution(sol *Solution) string {
	var b strings.Builder
	WriteSolution(&b, sol)
	return b.String()
}

// TruncateToken shortens a token for log and console display.
func TruncateToken(token string, max int) string {
	if len(token) <= max {
		return token
	}
	return token[:max] + "..."
}

// sortedCookieNames returns cookie names with cf_clearance first and the
// rest alphabetical, so the cookie that matters is always on top.
func sortedCookieNames(cookies map[string]string) []string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		if name != "cf_clearance" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := cookies["cf_clearance"]; ok {
		names = append([]string{"cf_clearance"}, names...)
	}
	return names
}
